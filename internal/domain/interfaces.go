// ABOUTME: Domain interfaces for dependency inversion
// ABOUTME: Lets the pipeline depend on abstractions, not HTTP or ffmpeg directly
package domain

import (
	"context"
	"io"
)

// Fetcher opens a streaming read of a remote media resource
type Fetcher interface {
	Connect(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Transcoder re-encodes everything read from in and writes it to out.
// It returns once in is exhausted and all output is written, or on failure.
type Transcoder interface {
	Transcode(ctx context.Context, in io.Reader, out io.Writer) error
}

// Responder is the outbound channel owned by the caller.
// Commit must be called at most once, and Fail only before Commit.
type Responder interface {
	Commit(f Format) error
	Write(p []byte) (int, error)
	Fail(err *PipelineError)
}
