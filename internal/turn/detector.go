package turn

import (
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/safecall"
)

// State is the turn detector's view of the conversation. It is finer grained
// than the session FSM: the transient ENDPOINT_DETECTED step between
// listening and thinking is recorded for latency diagnostics.
type State string

const (
	StateIdle             State = "idle"
	StateListening        State = "listening"
	StateEndpointDetected State = "endpoint_detected"
	StateThinking         State = "thinking"
	StateSpeaking         State = "speaking"
	StateInterrupted      State = "interrupted"
)

// VoiceEventType identifies a voice-activity event from the recognizer.
type VoiceEventType string

const (
	// EventSpeechStart is the VAD speech-onset signal.
	EventSpeechStart VoiceEventType = "speech_start"
	// EventEndpoint is the end-of-user-speech decision.
	EventEndpoint VoiceEventType = "endpoint"
)

// VoiceEvent carries a voice-activity signal and its session-relative
// timestamp.
type VoiceEvent struct {
	Type        VoiceEventType `json:"type"`
	TimestampMs int64          `json:"timestamp_ms"`
}

// Transition is one detector state change handed to observers.
type Transition struct {
	From        State  `json:"from"`
	To          State  `json:"to"`
	TimestampMs int64  `json:"timestamp_ms"`
	Reason      string `json:"reason,omitempty"`
}

// Detector converts voice-activity events into turn-state transitions,
// measures endpoint-detection latency against its budget, and raises
// barge-in events when the user speaks over the agent. It carries no lock
// of its own: the owning session serializes every call under its event
// mutex.
type Detector struct {
	sessionID string
	clock     *clock.AudioClock
	logger    *zap.Logger

	endpointBudget time.Duration

	state State
	// ttfaOriginMs marks the start of the time-to-first-audio measurement
	// window; negative when no turn is being measured.
	ttfaOriginMs int64

	endpointHandlers []func(Transition)
	bargeInHandlers  []func(Transition)
	stateHandlers    []func(Transition)
}

// NewDetector creates a detector in the idle state.
func NewDetector(sessionID string, audioClock *clock.AudioClock, endpointBudget time.Duration, logger *zap.Logger) *Detector {
	return &Detector{
		sessionID:      sessionID,
		clock:          audioClock,
		logger:         logger,
		endpointBudget: endpointBudget,
		state:          StateIdle,
		ttfaOriginMs:   -1,
	}
}

// OnEndpoint registers a callback for endpoint-detected transitions.
func (d *Detector) OnEndpoint(f func(Transition)) {
	d.endpointHandlers = append(d.endpointHandlers, f)
}

// OnBargeIn registers a callback for barge-in events.
func (d *Detector) OnBargeIn(f func(Transition)) {
	d.bargeInHandlers = append(d.bargeInHandlers, f)
}

// OnStateChange registers a callback for every transition.
func (d *Detector) OnStateChange(f func(Transition)) {
	d.stateHandlers = append(d.stateHandlers, f)
}

// State returns the current detector state.
func (d *Detector) State() State {
	return d.state
}

// TTFAOriginMs returns the endpoint timestamp opening the current
// time-to-first-audio window, false when no turn is being measured.
func (d *Detector) TTFAOriginMs() (int64, bool) {
	if d.ttfaOriginMs < 0 {
		return 0, false
	}
	return d.ttfaOriginMs, true
}

// HandleVoiceEvent processes one voice-activity event. Events that do not
// match the current state are ignored.
func (d *Detector) HandleVoiceEvent(ev VoiceEvent) {
	switch ev.Type {
	case EventSpeechStart:
		d.handleSpeechStart(ev)
	case EventEndpoint:
		d.handleEndpoint(ev)
	default:
		d.logger.Warn("Unknown voice event type",
			zap.String("sessionID", d.sessionID),
			zap.String("type", string(ev.Type)))
	}
}

func (d *Detector) handleSpeechStart(ev VoiceEvent) {
	switch d.state {
	case StateIdle:
		d.transition(StateListening, ev.TimestampMs, "user_speech_start")
	case StateSpeaking:
		// The user is speaking over the agent: barge-in. Both the
		// interrupt and the follow-up transition to listening carry
		// the same timestamp.
		interrupt := Transition{
			From:        StateSpeaking,
			To:          StateInterrupted,
			TimestampMs: ev.TimestampMs,
			Reason:      "user_interruption",
		}
		d.state = StateInterrupted
		d.notify(d.bargeInHandlers, "turn.barge_in", interrupt)
		d.notify(d.stateHandlers, "turn.state_change", interrupt)
		d.transition(StateListening, ev.TimestampMs, "barge_in_recovery")
	}
}

func (d *Detector) handleEndpoint(ev VoiceEvent) {
	if d.state != StateListening {
		return
	}

	// The endpoint timestamp is the origin of the TTFA measurement.
	d.ttfaOriginMs = ev.TimestampMs

	endpoint := d.transition(StateEndpointDetected, ev.TimestampMs, "endpoint_detected")
	d.notify(d.endpointHandlers, "turn.endpoint", endpoint)
	d.transition(StateThinking, ev.TimestampMs, "processing_started")

	// Budget overruns are observed, never fatal.
	elapsed := time.Duration(d.clock.NowMs(d.sessionID)-ev.TimestampMs) * time.Millisecond
	if elapsed > d.endpointBudget {
		d.logger.Warn("Endpoint detection exceeded budget",
			zap.String("sessionID", d.sessionID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", d.endpointBudget))
	}
}

// StartSpeaking drives THINKING -> SPEAKING; a no-op from any other state.
func (d *Detector) StartSpeaking() {
	if d.state != StateThinking {
		return
	}
	d.transition(StateSpeaking, d.clock.NowMs(d.sessionID), "response_ready")
}

// FinishSpeaking drives SPEAKING -> LISTENING; a no-op from any other state.
func (d *Detector) FinishSpeaking() {
	if d.state != StateSpeaking {
		return
	}
	d.ttfaOriginMs = -1
	d.transition(StateListening, d.clock.NowMs(d.sessionID), "response_complete")
}

// ResetTurn forces the detector back to listening and clears the TTFA origin.
// Used by the caller on the hard per-turn timeout.
func (d *Detector) ResetTurn(reason string) {
	d.ttfaOriginMs = -1
	if d.state == StateListening {
		return
	}
	d.transition(StateListening, d.clock.NowMs(d.sessionID), reason)
}

func (d *Detector) transition(to State, tsMs int64, reason string) Transition {
	tr := Transition{From: d.state, To: to, TimestampMs: tsMs, Reason: reason}
	d.state = to
	d.notify(d.stateHandlers, "turn.state_change", tr)
	return tr
}

func (d *Detector) notify(handlers []func(Transition), name string, tr Transition) {
	for _, h := range handlers {
		h := h
		safecall.Invoke(d.logger, name, func() { h(tr) })
	}
}
