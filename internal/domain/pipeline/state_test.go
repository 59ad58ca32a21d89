// ABOUTME: Tests for pipeline state transitions
// ABOUTME: Verifies only the documented lifecycle edges are allowed
package pipeline

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{Idle, Fetching},
		{Fetching, Transcoding},
		{Fetching, Failed},
		{Transcoding, Streaming},
		{Transcoding, Failed},
		{Streaming, Complete},
		{Streaming, Failed},
	}
	for _, tr := range allowed {
		if !canTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]State{
		{Idle, Streaming},
		{Fetching, Streaming},
		{Fetching, Complete},
		{Transcoding, Complete},
		{Complete, Failed},
		{Failed, Streaming},
		{Complete, Fetching},
	}
	for _, tr := range denied {
		if canTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be denied", tr[0], tr[1])
		}
	}
}

func TestState_String(t *testing.T) {
	if Streaming.String() != "streaming" {
		t.Errorf("unexpected %q", Streaming.String())
	}
	if State(42).String() != "unknown" {
		t.Errorf("unexpected %q", State(42).String())
	}
	if !Failed.Terminal() || Streaming.Terminal() {
		t.Error("unexpected terminal states")
	}
}
