// ABOUTME: Pipeline manager for lifecycle and lookup
// ABOUTME: Creates one pipeline per request and tracks the ones in flight
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/application/config"
	"github.com/harper/audio-extract-proxy/internal/domain"
	"github.com/harper/audio-extract-proxy/internal/domain/pipeline"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/metrics"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/source"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/transcode"
)

// ErrShuttingDown is the cancel cause of pipelines torn down by Shutdown.
var ErrShuttingDown = errors.New("manager shutting down")

// IDSetter is implemented by responders that expose the pipeline id to callers.
type IDSetter interface {
	SetPipelineID(id string)
}

type Options struct {
	PipeBytes  int
	ChunkBytes int
	Logger     zerolog.Logger
	Metrics    *metrics.Registry
	// Probe reports whether the encoder binary can be run; nil means always.
	Probe func() bool
}

type Manager struct {
	fetcher     domain.Fetcher
	transcoders map[domain.Format]domain.Transcoder
	opts        Options
	logger      zerolog.Logger

	active map[string]*pipeline.Pipeline
	closed bool
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

func New(fetcher domain.Fetcher, transcoders map[domain.Format]domain.Transcoder, opts Options) *Manager {
	ctx, cancel := context.WithCancelCause(context.Background())

	return &Manager{
		fetcher:     fetcher,
		transcoders: transcoders,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "manager").Logger(),
		active:      make(map[string]*pipeline.Pipeline),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func NewFromConfig(cfg *config.Config, logger zerolog.Logger, reg *metrics.Registry) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src := source.NewHTTP(source.HTTPConfig{
		ConnectTimeout: cfg.Fetch.ConnectTimeout(),
		HeaderTimeout:  cfg.Fetch.HeaderTimeout(),
		IdleTimeout:    cfg.Fetch.IdleTimeout(),
		UserAgent:      cfg.Fetch.UserAgent,
		Headers:        cfg.Fetch.RequestHeaders,
	}, logger)

	ff := transcode.NewFFmpeg(transcode.Config{
		FFmpegPath: cfg.Transcode.FFmpegPath,
		Codec:      cfg.Transcode.Codec,
		Bitrate:    cfg.Transcode.Bitrate,
		SampleRate: cfg.Transcode.SampleRate,
		Channels:   cfg.Transcode.Channels,
		KillGrace:  cfg.Transcode.KillGrace(),
	}, logger)

	if !ff.Available() {
		logger.Warn().Str("ffmpeg_path", cfg.Transcode.FFmpegPath).Msg("ffmpeg not found, audio extraction will fail")
	}

	transcoders := map[domain.Format]domain.Transcoder{
		domain.FormatMP3: ff,
		domain.FormatMP4: transcode.Copy{ChunkBytes: cfg.Buffering.ChunkBytes},
	}

	return New(src, transcoders, Options{
		PipeBytes:  cfg.Buffering.PipeBytes,
		ChunkBytes: cfg.Buffering.ChunkBytes,
		Logger:     logger,
		Metrics:    reg,
		Probe:      ff.Available,
	}), nil
}

// Run drives one request through a fresh pipeline and blocks until it ends.
// The pipeline stops when ctx is done or the manager shuts down.
func (m *Manager) Run(ctx context.Context, req domain.StreamRequest, resp domain.Responder) pipeline.Result {
	tc, ok := m.transcoders[req.Format()]
	if !ok {
		pe := domain.InvalidInput(fmt.Sprintf("unsupported format %q", req.Format()))
		resp.Fail(pe)
		return pipeline.Result{Outcome: pipeline.OutcomeFailed, Err: pe}
	}

	id := uuid.NewString()
	if s, ok := resp.(IDSetter); ok {
		s.SetPipelineID(id)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := context.AfterFunc(m.ctx, func() {
		cancel(context.Cause(m.ctx))
	})
	defer stop()

	p := pipeline.New(id, req, m.fetcher, tc, pipeline.Options{
		PipeBytes:  m.opts.PipeBytes,
		ChunkBytes: m.opts.ChunkBytes,
		Logger:     m.opts.Logger,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel(ErrShuttingDown)
	} else {
		m.active[id] = p
		m.wg.Add(1)
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.active, id)
			m.mu.Unlock()
			m.wg.Done()
		}()
	}

	m.opts.Metrics.Started()
	result := p.Run(ctx, resp)
	m.record(req, result)

	return result
}

func (m *Manager) record(req domain.StreamRequest, result pipeline.Result) {
	run := metrics.Run{
		Outcome:           string(result.Outcome),
		BytesFetched:      result.BytesFetched,
		BytesStreamed:     result.BytesStreamed,
		BackpressureWaits: result.BackpressureWaits,
		FirstByte:         result.FirstByte,
		Duration:          result.Duration,
	}

	level := zerolog.InfoLevel
	if result.Err != nil {
		run.ErrStage = string(result.Err.Stage)
		run.ErrKind = string(result.Err.Kind)
		if result.Err.Kind != domain.KindClientDisconnected {
			level = zerolog.WarnLevel
		}
	}
	m.opts.Metrics.Finished(run)

	ev := m.logger.WithLevel(level)
	if result.Err != nil {
		ev = ev.Str("stage", run.ErrStage).
			Str("kind", run.ErrKind).
			Bool("retryable", result.Err.Retryable).
			AnErr("error", result.Err)
	}

	ev.Str("pipeline_id", result.ID).
		Str("source_url", req.SourceURL()).
		Str("format", string(req.Format())).
		Str("outcome", run.Outcome).
		Int64("bytes_fetched", result.BytesFetched).
		Int64("bytes_streamed", result.BytesStreamed).
		Int64("backpressure_waits", result.BackpressureWaits).
		Dur("first_byte", result.FirstByte).
		Dur("duration", result.Duration).
		Msg("pipeline finished")
}

// Info is a point-in-time view of an active pipeline.
type Info struct {
	ID        string
	SourceURL string
	Format    domain.Format
	State     pipeline.State
	StartedAt time.Time
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.active))
	for _, p := range m.active {
		result = append(result, Info{
			ID:        p.ID(),
			SourceURL: p.Request().SourceURL(),
			Format:    p.Request().Format(),
			State:     p.State(),
			StartedAt: p.StartedAt(),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Available reports whether the audio encoder can be started.
func (m *Manager) Available() bool {
	if m.opts.Probe == nil {
		return true
	}
	return m.opts.Probe()
}

// Shutdown refuses new pipelines, cancels the active ones, and waits for
// them to stop or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	n := len(m.active)
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info().Int("active", n).Msg("cancelling active pipelines")
	}
	m.cancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pipelines: %w", ctx.Err())
	}
}
