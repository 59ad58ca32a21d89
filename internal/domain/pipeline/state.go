// ABOUTME: Pipeline lifecycle states and the allowed transitions between them
// ABOUTME: IDLE -> FETCHING -> TRANSCODING -> STREAMING -> COMPLETE or FAILED
package pipeline

type State int32

const (
	Idle State = iota
	Fetching
	Transcoding
	Streaming
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Transcoding:
		return "transcoding"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failing from FETCHING or TRANSCODING happens before any bytes are sent.
// Failing from STREAMING means the response was already committed.
var transitions = map[State][]State{
	Idle:        {Fetching},
	Fetching:    {Transcoding, Failed},
	Transcoding: {Streaming, Failed},
	Streaming:   {Complete, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == Complete || s == Failed
}
