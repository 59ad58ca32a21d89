// ABOUTME: Streaming HTTP responder with deferred header commit
// ABOUTME: Holds headers until the first byte and writes JSON errors before that
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/harper/audio-extract-proxy/internal/domain"
)

var errCommitted = errors.New("response already committed")

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// contentDisposition always quotes the filename so clients that only accept
// the quoted-string form still pick it up.
func contentDisposition(name string) string {
	return `attachment; filename="` + quoteEscaper.Replace(name) + `"`
}

type errorBody struct {
	Error     string `json:"error"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Responder adapts an http.ResponseWriter to the pipeline's outbound side.
// Nothing reaches the wire until Commit or Fail.
type Responder struct {
	w                 http.ResponseWriter
	rc                *http.ResponseController
	filename          string
	pipelineID        string
	propagateUpstream bool

	committed bool
	failed    bool
}

// NewResponder builds a responder. An empty filename becomes audio.<ext>
// for the committed format.
func NewResponder(w http.ResponseWriter, filename string, propagateUpstream bool) *Responder {
	return &Responder{
		w:                 w,
		rc:                http.NewResponseController(w),
		filename:          filename,
		propagateUpstream: propagateUpstream,
	}
}

func (r *Responder) SetPipelineID(id string) {
	r.pipelineID = id
}

func (r *Responder) Commit(f domain.Format) error {
	if r.committed || r.failed {
		return errCommitted
	}

	name := r.filename
	if name == "" {
		name = "audio." + f.Extension()
	}

	h := r.w.Header()
	h.Set("Content-Type", f.ContentType())
	h.Set("Content-Disposition", contentDisposition(name))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if r.pipelineID != "" {
		h.Set("X-Pipeline-Id", r.pipelineID)
	}
	h.Del("Content-Length")

	r.w.WriteHeader(http.StatusOK)
	r.committed = true

	return r.flush()
}

// Write sends one chunk and flushes it so the caller sees progress.
func (r *Responder) Write(p []byte) (int, error) {
	if !r.committed {
		return 0, errors.New("write before commit")
	}

	n, err := r.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, r.flush()
}

// Fail writes the structured error. It does nothing once headers are out.
func (r *Responder) Fail(pe *domain.PipelineError) {
	if r.committed || r.failed || pe == nil {
		return
	}
	r.failed = true

	if r.pipelineID != "" {
		r.w.Header().Set("X-Pipeline-Id", r.pipelineID)
	}
	writeError(r.w, pe.HTTPStatus(r.propagateUpstream), errorBody{
		Error:     pe.Cause,
		Stage:     string(pe.Stage),
		Retryable: pe.Retryable,
	})
}

func (r *Responder) Committed() bool {
	return r.committed
}

// Written reports whether anything, headers or error, has been sent.
func (r *Responder) Written() bool {
	return r.committed || r.failed
}

func (r *Responder) flush() error {
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
