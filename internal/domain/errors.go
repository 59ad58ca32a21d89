// ABOUTME: Typed pipeline errors carried through the stage state machine
// ABOUTME: Maps failures onto stages, retryability, and HTTP status codes
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTranscode Stage = "transcode"
	StageRespond   Stage = "respond"
)

type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindUpstreamFetch      Kind = "upstream_fetch"
	KindTranscode          Kind = "transcode"
	KindClientDisconnected Kind = "client_disconnected"
)

// StatusClientClosedRequest is used for logs and metrics only; the caller is gone.
const StatusClientClosedRequest = 499

// ErrUpstreamStalled is wrapped when the upstream stops sending bytes.
var ErrUpstreamStalled = errors.New("upstream stalled")

type PipelineError struct {
	Stage     Stage
	Kind      Kind
	Cause     string
	Retryable bool
	// UpstreamStatus is the upstream response code, zero when none was received.
	UpstreamStatus int
	Err            error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// HTTPStatus is the status of the structured error response.
func (e *PipelineError) HTTPStatus(propagateUpstream bool) int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindClientDisconnected:
		return StatusClientClosedRequest
	case KindUpstreamFetch:
		if propagateUpstream && e.UpstreamStatus >= 400 && e.UpstreamStatus <= 599 {
			return e.UpstreamStatus
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func InvalidInput(cause string) *PipelineError {
	return &PipelineError{Stage: StageFetch, Kind: KindInvalidInput, Cause: cause}
}

// UpstreamStatus builds the error for a non-2xx upstream reply; 5xx is retryable.
func UpstreamStatus(status int) *PipelineError {
	return &PipelineError{
		Stage:          StageFetch,
		Kind:           KindUpstreamFetch,
		Cause:          fmt.Sprintf("upstream responded %d %s", status, http.StatusText(status)),
		Retryable:      status >= 500,
		UpstreamStatus: status,
	}
}

// UpstreamFailure covers transport errors, counted as a 5xx-class gateway failure.
func UpstreamFailure(err error) *PipelineError {
	cause := "failed to fetch source"
	if errors.Is(err, ErrUpstreamStalled) {
		cause = "source stopped sending data"
	}
	return &PipelineError{
		Stage:     StageFetch,
		Kind:      KindUpstreamFetch,
		Cause:     cause,
		Retryable: true,
		Err:       err,
	}
}

func TranscodeFailure(cause string, err error) *PipelineError {
	return &PipelineError{Stage: StageTranscode, Kind: KindTranscode, Cause: cause, Err: err}
}

func Disconnected(err error) *PipelineError {
	return &PipelineError{Stage: StageRespond, Kind: KindClientDisconnected, Cause: "client disconnected", Err: err}
}

func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
