// ABOUTME: HTTP source fetcher for remote media resources
// ABOUTME: Streams the upstream body with dial, header, and stall timeouts
package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/domain"
)

type HTTPConfig struct {
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	// IdleTimeout bounds a single blocked Read on the body; zero disables it.
	IdleTimeout time.Duration
	UserAgent   string
	Headers     map[string]string
}

type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) *HTTPSource {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		DisableCompression:    true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   0, // No total timeout for streaming
	}

	return &HTTPSource{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "source").Logger(),
	}
}

// Connect returns the upstream body. Errors are always *domain.PipelineError.
func (h *HTTPSource) Connect(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := domain.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel(nil)
		return nil, domain.InvalidInput("malformed source URL")
	}

	if h.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", h.cfg.UserAgent)
	}

	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		cancel(nil)
		return nil, domain.UpstreamFailure(fmt.Errorf("http request: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel(nil)
		return nil, domain.UpstreamStatus(resp.StatusCode)
	}

	h.logger.Debug().
		Int("status", resp.StatusCode).
		Str("content_type", resp.Header.Get("Content-Type")).
		Int64("content_length", resp.ContentLength).
		Msg("upstream connected")

	return newWatchedBody(ctx, resp.Body, h.cfg.IdleTimeout, cancel), nil
}

// watchedBody aborts the request when one Read blocks longer than idle.
// Time spent between reads is backpressure from downstream and is not counted.
type watchedBody struct {
	body   io.ReadCloser
	idle   time.Duration
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer

	mu       sync.Mutex
	reading  bool
	deadline time.Time
	stalled  bool

	closeOnce sync.Once
}

func newWatchedBody(ctx context.Context, body io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc) *watchedBody {
	w := &watchedBody{body: body, idle: idle, ctx: ctx, cancel: cancel}
	if idle > 0 {
		w.timer = time.AfterFunc(idle, w.expire)
		w.timer.Stop()
	}
	return w
}

// expire cancels the request only if the current Read is past its deadline.
// A late callback from an earlier Read is ignored.
func (w *watchedBody) expire() {
	w.expireAt(time.Now())
}

func (w *watchedBody) expireAt(now time.Time) {
	w.mu.Lock()
	if !w.reading || now.Before(w.deadline) {
		w.mu.Unlock()
		return
	}
	w.stalled = true
	w.mu.Unlock()

	w.cancel(domain.ErrUpstreamStalled)
}

func (w *watchedBody) Read(p []byte) (int, error) {
	if w.timer != nil {
		w.mu.Lock()
		w.reading = true
		w.deadline = time.Now().Add(w.idle)
		w.mu.Unlock()
		w.timer.Reset(w.idle)
	}

	n, err := w.body.Read(p)

	stalled := false
	if w.timer != nil {
		w.mu.Lock()
		w.reading = false
		stalled = w.stalled
		w.mu.Unlock()
		w.timer.Stop()
	}

	// The deadline passed during this Read; the request is already cancelled
	if stalled {
		if err == nil || err == io.EOF {
			err = context.Cause(w.ctx)
		}
		return n, domain.UpstreamFailure(fmt.Errorf("read body: %w after %s: %v", domain.ErrUpstreamStalled, w.idle, err))
	}

	if err != nil && err != io.EOF {
		return n, domain.UpstreamFailure(fmt.Errorf("read body: %w", err))
	}
	return n, err
}

func (w *watchedBody) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		err = w.body.Close()
		w.cancel(nil)
	})
	return err
}
