// ABOUTME: ffmpeg child process transcoder for audio extraction
// ABOUTME: Feeds stdin from the fetch pipe and drains stdout into the response pipe
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/domain"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/ring"
)

const (
	stderrTailBytes = 4096
	feedChunkBytes  = 32 * 1024
)

type Config struct {
	FFmpegPath string
	Codec      string
	Bitrate    string
	SampleRate int
	Channels   int
	// KillGrace bounds how long Wait lingers on I/O after the process is killed.
	KillGrace time.Duration
	// Args replaces the generated MP3 arguments when set.
	Args []string
}

func DefaultConfig() Config {
	return Config{
		FFmpegPath: "ffmpeg",
		Codec:      "libmp3lame",
		Bitrate:    "192k",
		SampleRate: 44100,
		Channels:   2,
		KillGrace:  2 * time.Second,
	}
}

type FFmpeg struct {
	path      string
	args      []string
	killGrace time.Duration
	logger    zerolog.Logger
}

func NewFFmpeg(cfg Config, logger zerolog.Logger) *FFmpeg {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}

	args := cfg.Args
	if len(args) == 0 {
		args = MP3Args(cfg)
	}

	return &FFmpeg{
		path:      path,
		args:      args,
		killGrace: cfg.KillGrace,
		logger:    logger.With().Str("component", "transcoder").Logger(),
	}
}

// MP3Args keeps only the first audio stream; input without audio fails.
func MP3Args(cfg Config) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a:0",
		"-c:a", cfg.Codec,
	}

	if cfg.Bitrate != "" {
		args = append(args, "-b:a", cfg.Bitrate)
	}
	if cfg.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(cfg.Channels))
	}

	return append(args, "-f", "mp3", "pipe:1")
}

// Available checks if the encoder binary is executable.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// Transcode runs one encoder process. Stopping early, whether by ctx or by
// out refusing writes, kills the process. Transcode returns as soon as the
// process is gone; a feeder still blocked on in is released when the caller
// closes in.
func (f *FFmpeg) Transcode(ctx context.Context, in io.Reader, out io.Writer) error {
	cmd := exec.CommandContext(ctx, f.path, f.args...)
	cmd.Stdout = out
	cmd.WaitDelay = f.killGrace

	tail := ring.New(stderrTailBytes)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return domain.TranscodeFailure("failed to start encoder", fmt.Errorf("stdin pipe: %w", err))
	}

	f.logger.Debug().
		Str("ffmpeg_path", f.path).
		Strs("args", f.args).
		Msg("starting encoder")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.TranscodeFailure("failed to start encoder", fmt.Errorf("start %s: %w", f.path, err))
	}

	// Wait does not join this goroutine, so a Read blocked on a slow source
	// cannot hold back the exit status
	inputErr := make(chan error, 1)
	go feed(stdin, in, inputErr)

	err = cmd.Wait()
	f.logStderr(tail)

	// The caller decides what a cancelled run means
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	// A failed read of the input is the real cause of whatever the encoder did
	select {
	case rerr := <-inputErr:
		if rerr != nil {
			if pe, ok := domain.AsPipelineError(rerr); ok {
				return pe
			}
			if err == nil {
				return domain.TranscodeFailure("encoder i/o failed", rerr)
			}
		}
	default:
	}

	if err == nil {
		f.logger.Debug().Dur("elapsed", time.Since(start)).Msg("encoder finished")
		return nil
	}

	// A failed copy out of the process carries the real cause
	if pe, ok := domain.AsPipelineError(err); ok {
		return pe
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cause := "audio conversion failed"
		if !exitErr.Exited() {
			cause = "encoder terminated abnormally"
		}
		detail := lastLine(tail.Snapshot())
		if detail != "" {
			return domain.TranscodeFailure(cause, fmt.Errorf("%w: %s", err, detail))
		}
		return domain.TranscodeFailure(cause, err)
	}

	return domain.TranscodeFailure("encoder i/o failed", err)
}

// feed copies in to the encoder's stdin and closes it when in is exhausted
// or the encoder stops reading. Only read errors are reported; the result is
// sent before stdin is closed so it is visible once the encoder exits on EOF.
func feed(stdin io.WriteCloser, in io.Reader, result chan<- error) {
	buf := make([]byte, feedChunkBytes)
	var rerr error
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				rerr = err
			}
			break
		}
	}
	result <- rerr
	stdin.Close()
}

func (f *FFmpeg) logStderr(tail *ring.Buffer) {
	if f.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	scanner := bufio.NewScanner(bytes.NewReader(tail.Snapshot()))
	for scanner.Scan() {
		f.logger.Debug().Str("ffmpeg_stderr", scanner.Text()).Msg("ffmpeg output")
	}
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
