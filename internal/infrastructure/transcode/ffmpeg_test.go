// ABOUTME: Tests for the encoder process wrapper and the identity transcoder
// ABOUTME: Uses cat and sh as stand-ins for ffmpeg
package transcode

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/domain"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/ring"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return path
}

func fakeEncoder(path string, args ...string) *FFmpeg {
	return &FFmpeg{
		path:      path,
		args:      args,
		killGrace: 200 * time.Millisecond,
		logger:    zerolog.Nop(),
	}
}

func TestMP3Args(t *testing.T) {
	args := strings.Join(MP3Args(DefaultConfig()), " ")

	for _, want := range []string{
		"-i pipe:0",
		"-vn",
		"-map 0:a:0",
		"-c:a libmp3lame",
		"-b:a 192k",
		"-ar 44100",
		"-ac 2",
		"-f mp3 pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("expected %q in %q", want, args)
		}
	}

	if !strings.HasSuffix(args, "pipe:1") {
		t.Errorf("output must be last argument: %q", args)
	}
}

func TestNewFFmpeg_DefaultPath(t *testing.T) {
	f := NewFFmpeg(Config{Codec: "libmp3lame"}, zerolog.Nop())
	if f.path != "ffmpeg" {
		t.Errorf("expected default path ffmpeg, got %q", f.path)
	}
}

func TestFFmpeg_StreamsThroughProcess(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "cat"))

	input := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	var out bytes.Buffer

	if err := enc.Transcode(context.Background(), bytes.NewReader(input), &out); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	if !bytes.Equal(out.Bytes(), input) {
		t.Errorf("output differs from input: got %d bytes, want %d", out.Len(), len(input))
	}
}

func TestFFmpeg_NonZeroExit(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "sh"), "-c", "echo 'pipe:0: Invalid data found when processing input' 1>&2; exit 1")

	err := enc.Transcode(context.Background(), strings.NewReader("not media"), &bytes.Buffer{})

	pe, ok := domain.AsPipelineError(err)
	if !ok {
		t.Fatalf("expected PipelineError, got %v", err)
	}

	if pe.Stage != domain.StageTranscode || pe.Retryable {
		t.Errorf("expected non-retryable transcode error, got %+v", pe)
	}

	if !strings.Contains(pe.Error(), "Invalid data found") {
		t.Errorf("expected stderr detail in error, got %q", pe.Error())
	}
}

func TestFFmpeg_KilledProcess(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "sh"), "-c", "kill -9 $$")

	err := enc.Transcode(context.Background(), strings.NewReader(""), &bytes.Buffer{})

	pe, ok := domain.AsPipelineError(err)
	if !ok {
		t.Fatalf("expected PipelineError, got %v", err)
	}

	if pe.Cause != "encoder terminated abnormally" {
		t.Errorf("unexpected cause %q", pe.Cause)
	}
}

func TestFFmpeg_MissingBinary(t *testing.T) {
	enc := fakeEncoder("/nonexistent/ffmpeg")

	if enc.Available() {
		t.Error("expected binary to be unavailable")
	}

	err := enc.Transcode(context.Background(), strings.NewReader(""), &bytes.Buffer{})
	if pe, ok := domain.AsPipelineError(err); !ok || pe.Kind != domain.KindTranscode {
		t.Errorf("expected transcode error, got %v", err)
	}
}

func TestFFmpeg_CancelKillsProcess(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "cat"))

	// Input that never arrives
	in := ring.NewPipe(16)
	defer in.CloseWrite(nil)

	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- enc.Transcode(ctx, in, &bytes.Buffer{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("encoder still running after cancel")
	}
}

func TestFFmpeg_EarlyExitWithOpenInput(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "sh"), "-c", "head -c 4 >/dev/null; echo 'Invalid data found when processing input' >&2; exit 1")

	// Some bytes arrive, then the source goes quiet without closing
	in := ring.NewPipe(64)
	defer in.CloseWrite(nil)
	if _, err := in.Write([]byte("12345678")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- enc.Transcode(context.Background(), in, &bytes.Buffer{})
	}()

	select {
	case err := <-errc:
		pe, ok := domain.AsPipelineError(err)
		if !ok {
			t.Fatalf("expected PipelineError, got %v", err)
		}
		if pe.Stage != domain.StageTranscode || pe.Retryable {
			t.Errorf("expected non-retryable transcode error, got %+v", pe)
		}
		if !strings.Contains(pe.Error(), "Invalid data found") {
			t.Errorf("expected stderr detail in error, got %q", pe.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Transcode waited on the input after the encoder exited")
	}
}

func TestFFmpeg_InputErrorPassesThrough(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "cat"))

	in := ring.NewPipe(64)
	in.Write([]byte("partial"))
	fetchErr := domain.UpstreamStatus(502)
	in.CloseWrite(fetchErr)

	var out bytes.Buffer
	err := enc.Transcode(context.Background(), in, &out)

	if pe, ok := domain.AsPipelineError(err); !ok || pe != fetchErr {
		t.Errorf("expected upstream error to pass through, got %v", err)
	}
	if out.String() != "partial" {
		t.Errorf("expected buffered input to be encoded, got %q", out.String())
	}
}

func TestFFmpeg_OutputClosedStopsProcess(t *testing.T) {
	enc := fakeEncoder(lookPath(t, "cat"))

	out := ring.NewPipe(1024)
	out.CloseRead(errors.New("client gone"))

	errc := make(chan error, 1)
	go func() {
		errc <- enc.Transcode(context.Background(), zeroReader{}, out)
	}()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected error when output is closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("encoder still running after output closed")
	}
}

func TestCopy(t *testing.T) {
	input := bytes.Repeat([]byte("x"), 100_000)
	var out bytes.Buffer

	if err := (Copy{ChunkBytes: 4096}).Transcode(context.Background(), bytes.NewReader(input), &out); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if out.Len() != len(input) {
		t.Errorf("expected %d bytes, got %d", len(input), out.Len())
	}
}

func TestCopy_PropagatesPipelineError(t *testing.T) {
	in := ring.NewPipe(16)
	fetchErr := domain.UpstreamStatus(502)
	in.CloseWrite(fetchErr)

	err := (Copy{}).Transcode(context.Background(), in, &bytes.Buffer{})

	if pe, ok := domain.AsPipelineError(err); !ok || pe != fetchErr {
		t.Errorf("expected upstream error to pass through, got %v", err)
	}
}
