package clock

import (
	"testing"
	"time"
)

func TestNowMsIsSessionRelative(t *testing.T) {
	c := NewAudioClock()
	c.RegisterSession("session-a")

	first := c.NowMs("session-a")
	if first < 0 || first > 50 {
		t.Errorf("Expected fresh session time near zero, got %d", first)
	}

	time.Sleep(20 * time.Millisecond)

	second := c.NowMs("session-a")
	if second <= first {
		t.Errorf("Expected time to advance, got %d then %d", first, second)
	}
}

func TestReRegisterDoesNotResetAnchor(t *testing.T) {
	c := NewAudioClock()
	c.RegisterSession("session-a")
	time.Sleep(20 * time.Millisecond)

	before := c.NowMs("session-a")
	c.RegisterSession("session-a")
	after := c.NowMs("session-a")

	if after < before {
		t.Errorf("Re-registering moved the timeline backwards: %d -> %d", before, after)
	}
}

func TestUnknownSessionFallsBackToProcessTimeline(t *testing.T) {
	c := NewAudioClock()
	time.Sleep(10 * time.Millisecond)

	if got := c.NowMs("never-registered"); got < 10 {
		t.Errorf("Expected process-relative time >= 10ms, got %d", got)
	}
}

func TestUnregisterSession(t *testing.T) {
	c := NewAudioClock()
	time.Sleep(15 * time.Millisecond)
	c.RegisterSession("session-a")

	registered := c.NowMs("session-a")
	c.UnregisterSession("session-a")
	unregistered := c.NowMs("session-a")

	if unregistered <= registered {
		t.Errorf("Expected fallback to process timeline after unregister, got %d <= %d", unregistered, registered)
	}
}
