// ABOUTME: Fetch -> transcode -> respond pipeline driver
// ABOUTME: Runs the stages concurrently over bounded pipes and owns their teardown
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/domain"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/ring"
)

const (
	DefaultPipeBytes  = 256 * 1024
	DefaultChunkBytes = 32 * 1024
)

// errInputUnused tells the fetch stage the transcoder finished without
// needing the rest of the input.
var errInputUnused = errors.New("transcoder finished before end of input")

var errFinished = errors.New("pipeline finished")

type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	// OutcomeFailed means a structured error was sent and no body bytes.
	OutcomeFailed Outcome = "failed"
	// OutcomeTruncated means headers were committed and the stream ended early.
	// No structured error can follow; the caller must cut the connection.
	OutcomeTruncated Outcome = "truncated"
)

type Options struct {
	PipeBytes  int
	ChunkBytes int
	Logger     zerolog.Logger
}

type Result struct {
	ID                string
	Outcome           Outcome
	Err               *domain.PipelineError
	Committed         bool
	BytesFetched      int64
	BytesStreamed     int64
	BackpressureWaits int64
	FirstByte         time.Duration
	Duration          time.Duration
}

type Pipeline struct {
	id         string
	req        domain.StreamRequest
	fetcher    domain.Fetcher
	transcoder domain.Transcoder

	pipeBytes  int
	chunkBytes int
	logger     zerolog.Logger

	startedAt time.Time
	state     atomic.Int32
	fetched   atomic.Int64

	errMu    sync.Mutex
	err      *domain.PipelineError
	finished bool
	cancel   context.CancelCauseFunc
}

func New(id string, req domain.StreamRequest, fetcher domain.Fetcher, transcoder domain.Transcoder, opts Options) *Pipeline {
	if opts.PipeBytes <= 0 {
		opts.PipeBytes = DefaultPipeBytes
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}

	return &Pipeline{
		id:         id,
		req:        req,
		fetcher:    fetcher,
		transcoder: transcoder,
		pipeBytes:  opts.PipeBytes,
		chunkBytes: opts.ChunkBytes,
		logger:     opts.Logger.With().Str("pipeline_id", id).Logger(),
		startedAt:  time.Now(),
	}
}

func (p *Pipeline) ID() string {
	return p.id
}

func (p *Pipeline) Request() domain.StreamRequest {
	return p.req
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) StartedAt() time.Time {
	return p.startedAt
}

func (p *Pipeline) transition(to State) bool {
	for {
		from := State(p.state.Load())
		if !canTransition(from, to) {
			p.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("ignored state transition")
			return false
		}
		if p.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

// fail records the first error and cancels every stage. Later errors are
// consequences of the first and are dropped.
func (p *Pipeline) fail(pe *domain.PipelineError) {
	p.errMu.Lock()
	first := p.err == nil && !p.finished
	if first {
		p.err = pe
	}
	cancel := p.cancel
	p.errMu.Unlock()

	if first {
		p.logger.Debug().Str("stage", string(pe.Stage)).Err(pe).Msg("stage failed")
		if cancel != nil {
			cancel(pe)
		}
	}
}

func (p *Pipeline) finish() {
	p.errMu.Lock()
	p.finished = true
	p.errMu.Unlock()
}

func (p *Pipeline) firstErr() *domain.PipelineError {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// classify turns whatever a stage saw into a typed error.
// A cancelled context wins: its cause is either the first stage failure or
// the caller going away.
func classify(ctx context.Context, stage domain.Stage, err error) *domain.PipelineError {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if pe, ok := domain.AsPipelineError(cause); ok {
			return pe
		}
		return domain.Disconnected(cause)
	}

	if pe, ok := domain.AsPipelineError(err); ok {
		return pe
	}

	switch stage {
	case domain.StageFetch:
		return domain.UpstreamFailure(err)
	case domain.StageTranscode:
		return domain.TranscodeFailure("audio conversion failed", err)
	default:
		return domain.Disconnected(err)
	}
}

// Run drives one request to exactly one of: a complete stream, a structured
// error through resp.Fail, or a truncated stream. It returns only after every
// stage has stopped and the upstream body is closed.
func (p *Pipeline) Run(ctx context.Context, resp domain.Responder) Result {
	start := time.Now()
	result := Result{ID: p.id}

	if !p.transition(Fetching) {
		result.Outcome = OutcomeFailed
		result.Err = domain.InvalidInput("pipeline already started")
		return result
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p.errMu.Lock()
	p.cancel = cancel
	p.errMu.Unlock()

	p.logger.Debug().Str("source_url", p.req.SourceURL()).Msg("fetching")

	body, err := p.fetcher.Connect(ctx, p.req.SourceURL())
	if err != nil {
		p.fail(classify(ctx, domain.StageFetch, err))
		p.transition(Failed)
		return p.finishFailed(resp, result, start)
	}

	upstream := ring.NewPipe(p.pipeBytes)
	downstream := ring.NewPipe(p.pipeBytes)

	// Cancellation from any side unblocks every stage
	stop := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		upstream.CloseRead(cause)
		downstream.CloseRead(cause)
	})
	defer stop()

	p.transition(Transcoding)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer body.Close()

		if err := p.fetch(body, upstream); err != nil {
			// The transcoder already finished; whatever the source does now is moot
			if errors.Is(upstream.ReadErr(), errInputUnused) {
				upstream.CloseWrite(nil)
				return
			}
			pe := classify(ctx, domain.StageFetch, err)
			p.fail(pe)
			upstream.CloseWrite(pe)
			return
		}
		upstream.CloseWrite(nil)
	}()

	go func() {
		defer wg.Done()

		err := p.transcoder.Transcode(ctx, upstream, downstream)
		if err != nil {
			pe := classify(ctx, domain.StageTranscode, err)
			p.fail(pe)
			upstream.CloseRead(pe)
			downstream.CloseWrite(pe)
			return
		}

		upstream.CloseRead(errInputUnused)
		if first := p.firstErr(); first != nil {
			downstream.CloseWrite(first)
			return
		}
		downstream.CloseWrite(nil)
	}()

	result = p.respond(ctx, resp, downstream, result, start)

	if result.Err != nil {
		cancel(result.Err)
	} else {
		// Output is complete; a fetch still draining the socket is not a failure
		p.finish()
		cancel(errFinished)
	}
	wg.Wait()

	result.BytesFetched = p.fetched.Load()
	result.BackpressureWaits = upstream.Waits() + downstream.Waits()
	result.Duration = time.Since(start)

	if result.Err == nil {
		p.transition(Complete)
		result.Outcome = OutcomeComplete
		return result
	}

	p.transition(Failed)
	if result.Committed {
		result.Outcome = OutcomeTruncated
		return result
	}

	return p.finishFailed(resp, result, start)
}

func (p *Pipeline) finishFailed(resp domain.Responder, result Result, start time.Time) Result {
	result.Err = p.firstErr()
	result.Outcome = OutcomeFailed
	result.BytesFetched = p.fetched.Load()
	result.Duration = time.Since(start)

	// Nobody is listening for a structured error after a disconnect
	if result.Err.Kind != domain.KindClientDisconnected {
		resp.Fail(result.Err)
	}
	return result
}

// fetch copies the upstream body into the pipe one chunk at a time.
// A full pipe blocks here, which stops reads from the network.
func (p *Pipeline) fetch(body io.Reader, out *ring.Pipe) error {
	buf := make([]byte, p.chunkBytes)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			p.fetched.Add(int64(n))
			if _, werr := out.Write(buf[:n]); werr != nil {
				if errors.Is(werr, errInputUnused) {
					return nil
				}
				return werr
			}
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// respond forwards transcoded bytes. The first byte commits headers; an
// error before it leaves the response untouched so a structured error can be
// sent instead.
func (p *Pipeline) respond(ctx context.Context, resp domain.Responder, in *ring.Pipe, result Result, start time.Time) Result {
	buf := make([]byte, p.chunkBytes)

	commit := func() bool {
		p.transition(Streaming)
		if err := resp.Commit(p.req.Format()); err != nil {
			p.fail(domain.Disconnected(err))
			return false
		}
		result.Committed = true
		result.FirstByte = time.Since(start)
		p.logger.Debug().Dur("first_byte", result.FirstByte).Msg("streaming")
		return true
	}

	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if !result.Committed && !commit() {
				break
			}
			if _, werr := resp.Write(buf[:n]); werr != nil {
				p.fail(domain.Disconnected(werr))
				break
			}
			result.BytesStreamed += int64(n)
		}

		if rerr == io.EOF {
			// Clean end with no output still commits an empty body
			if !result.Committed {
				commit()
			}
			break
		}
		if rerr != nil {
			p.fail(classify(ctx, domain.StageRespond, rerr))
			break
		}
	}

	result.Err = p.firstErr()
	return result
}
