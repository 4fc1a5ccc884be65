package turn

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/clock"
)

func newTestDetector() (*Detector, *clock.AudioClock) {
	c := clock.NewAudioClock()
	c.RegisterSession("session-1")
	return NewDetector("session-1", c, 15*time.Millisecond, zap.NewNop()), c
}

func TestSpeechStartFromIdle(t *testing.T) {
	d, _ := newTestDetector()

	var transitions []Transition
	d.OnStateChange(func(tr Transition) { transitions = append(transitions, tr) })

	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 5})

	if d.State() != StateListening {
		t.Fatalf("Expected listening, got %s", d.State())
	}
	if len(transitions) != 1 || transitions[0].From != StateIdle || transitions[0].To != StateListening {
		t.Errorf("Unexpected transitions: %+v", transitions)
	}
}

func TestEndpointOpensTTFAWindow(t *testing.T) {
	d, _ := newTestDetector()

	var endpoints []Transition
	var changes []Transition
	d.OnEndpoint(func(tr Transition) { endpoints = append(endpoints, tr) })
	d.OnStateChange(func(tr Transition) { changes = append(changes, tr) })

	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 5})
	d.HandleVoiceEvent(VoiceEvent{Type: EventEndpoint, TimestampMs: 42})

	if d.State() != StateThinking {
		t.Fatalf("Expected thinking after endpoint, got %s", d.State())
	}
	origin, ok := d.TTFAOriginMs()
	if !ok || origin != 42 {
		t.Errorf("Expected TTFA origin 42, got %d (ok=%v)", origin, ok)
	}
	if len(endpoints) != 1 {
		t.Fatalf("Expected one endpoint event, got %d", len(endpoints))
	}

	// Endpoint is recorded as two steps: listening -> endpoint_detected -> thinking.
	if len(changes) != 3 {
		t.Fatalf("Expected 3 recorded transitions, got %d", len(changes))
	}
	if changes[1].To != StateEndpointDetected || changes[2].To != StateThinking {
		t.Errorf("Unexpected endpoint steps: %+v", changes[1:])
	}
}

func TestEndpointIgnoredOutsideListening(t *testing.T) {
	d, _ := newTestDetector()
	d.HandleVoiceEvent(VoiceEvent{Type: EventEndpoint, TimestampMs: 10})
	if d.State() != StateIdle {
		t.Errorf("Expected endpoint ignored while idle, got %s", d.State())
	}
	if _, ok := d.TTFAOriginMs(); ok {
		t.Error("Expected no TTFA window opened")
	}
}

func TestBargeInWhileSpeaking(t *testing.T) {
	d, _ := newTestDetector()

	var bargeIns []Transition
	var changes []Transition
	d.OnBargeIn(func(tr Transition) { bargeIns = append(bargeIns, tr) })
	d.OnStateChange(func(tr Transition) { changes = append(changes, tr) })

	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 5})
	d.HandleVoiceEvent(VoiceEvent{Type: EventEndpoint, TimestampMs: 40})
	d.StartSpeaking()
	if d.State() != StateSpeaking {
		t.Fatalf("Expected speaking, got %s", d.State())
	}

	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 90})

	if d.State() != StateListening {
		t.Fatalf("Expected listening after barge-in, got %s", d.State())
	}
	if len(bargeIns) != 1 {
		t.Fatalf("Expected one barge-in event, got %d", len(bargeIns))
	}
	if bargeIns[0].From != StateSpeaking || bargeIns[0].To != StateInterrupted {
		t.Errorf("Unexpected barge-in transition: %+v", bargeIns[0])
	}
	if bargeIns[0].Reason != "user_interruption" {
		t.Errorf("Expected user_interruption reason, got %s", bargeIns[0].Reason)
	}

	// Interrupt and recovery share the barge-in timestamp.
	last := changes[len(changes)-1]
	if last.To != StateListening || last.TimestampMs != 90 {
		t.Errorf("Expected recovery to listening at ts 90, got %+v", last)
	}
	interrupt := changes[len(changes)-2]
	if interrupt.TimestampMs != 90 {
		t.Errorf("Expected shared timestamp, got %+v", interrupt)
	}
}

func TestStartFinishSpeakingGuards(t *testing.T) {
	d, _ := newTestDetector()

	// No-ops outside the expected source state.
	d.StartSpeaking()
	if d.State() != StateIdle {
		t.Errorf("Expected StartSpeaking to no-op from idle, got %s", d.State())
	}
	d.FinishSpeaking()
	if d.State() != StateIdle {
		t.Errorf("Expected FinishSpeaking to no-op from idle, got %s", d.State())
	}

	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 1})
	d.HandleVoiceEvent(VoiceEvent{Type: EventEndpoint, TimestampMs: 2})
	d.StartSpeaking()
	d.FinishSpeaking()
	if d.State() != StateListening {
		t.Errorf("Expected listening after finish, got %s", d.State())
	}
	if _, ok := d.TTFAOriginMs(); ok {
		t.Error("Expected TTFA origin cleared after finish")
	}
}

func TestResetTurn(t *testing.T) {
	d, _ := newTestDetector()
	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 1})
	d.HandleVoiceEvent(VoiceEvent{Type: EventEndpoint, TimestampMs: 2})

	d.ResetTurn("turn_timeout")

	if d.State() != StateListening {
		t.Errorf("Expected listening after reset, got %s", d.State())
	}
	if _, ok := d.TTFAOriginMs(); ok {
		t.Error("Expected TTFA origin cleared by reset")
	}
}

func TestCallbackPanicsDoNotAbortDetection(t *testing.T) {
	d, _ := newTestDetector()
	d.OnStateChange(func(tr Transition) { panic("observer bug") })
	d.OnEndpoint(func(tr Transition) { panic("observer bug") })

	d.HandleVoiceEvent(VoiceEvent{Type: EventSpeechStart, TimestampMs: 1})
	d.HandleVoiceEvent(VoiceEvent{Type: EventEndpoint, TimestampMs: 2})

	if d.State() != StateThinking {
		t.Errorf("Expected detection to survive panicking observers, got %s", d.State())
	}
}
