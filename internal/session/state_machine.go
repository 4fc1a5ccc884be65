package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/cancellation"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/safecall"
)

// State is the canonical session state.
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateThinking    State = "thinking"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
)

// ErrInvalidTransition is returned on a transition absent from the adjacency
// table. Protocol violations are reported, never silently coerced.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the fixed adjacency table; no other transition is permitted.
var transitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateThinking, StateIdle},
	StateThinking:    {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:    {StateListening, StateInterrupted, StateIdle},
	StateInterrupted: {StateListening, StateIdle},
}

// TransitionRecord describes one completed transition.
type TransitionRecord struct {
	From        State  `json:"from"`
	To          State  `json:"to"`
	TimestampMs int64  `json:"timestamp_ms"`
	Reason      string `json:"reason,omitempty"`
}

// StateMachine is the 5-state session FSM. It owns the session's cancellation
// controller and keeps a bounded transition history for diagnostics.
// The machine carries no lock of its own: the owning Session serializes
// every call under its event mutex. Observer callbacks must not call back
// into the machine.
type StateMachine struct {
	sessionID string
	clock     *clock.AudioClock
	cancel    *cancellation.Controller
	logger    *zap.Logger

	state        State
	enteredAtMs  int64
	history      []TransitionRecord
	historyLimit int

	enterCallbacks  map[State][]func(TransitionRecord)
	exitCallbacks   map[State][]func(TransitionRecord)
	changeCallbacks []func(TransitionRecord)
}

// NewStateMachine creates a machine in IDLE owning the given cancellation
// controller.
func NewStateMachine(sessionID string, audioClock *clock.AudioClock, cancel *cancellation.Controller, historyLimit int, logger *zap.Logger) *StateMachine {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &StateMachine{
		sessionID:      sessionID,
		clock:          audioClock,
		cancel:         cancel,
		logger:         logger,
		state:          StateIdle,
		enteredAtMs:    audioClock.NowMs(sessionID),
		historyLimit:   historyLimit,
		enterCallbacks: make(map[State][]func(TransitionRecord)),
		exitCallbacks:  make(map[State][]func(TransitionRecord)),
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return sm.state
}

// Cancellation returns the controller this machine owns.
func (sm *StateMachine) Cancellation() *cancellation.Controller {
	return sm.cancel
}

// TimeInStateMs reports how long the machine has been in the current state.
func (sm *StateMachine) TimeInStateMs() int64 {
	return sm.clock.NowMs(sm.sessionID) - sm.enteredAtMs
}

// History returns a copy of the bounded transition history, oldest first.
func (sm *StateMachine) History() []TransitionRecord {
	out := make([]TransitionRecord, len(sm.history))
	copy(out, sm.history)
	return out
}

// OnEnter registers a callback invoked after entering the given state.
func (sm *StateMachine) OnEnter(s State, f func(TransitionRecord)) {
	sm.enterCallbacks[s] = append(sm.enterCallbacks[s], f)
}

// OnExit registers a callback invoked before leaving the given state.
func (sm *StateMachine) OnExit(s State, f func(TransitionRecord)) {
	sm.exitCallbacks[s] = append(sm.exitCallbacks[s], f)
}

// OnChange registers a callback invoked on every transition.
func (sm *StateMachine) OnChange(f func(TransitionRecord)) {
	sm.changeCallbacks = append(sm.changeCallbacks, f)
}

// CanTransition checks the adjacency table.
func (sm *StateMachine) CanTransition(to State) bool {
	for _, allowed := range transitions[sm.state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTo moves to the new state: exit callbacks for the old state,
// mutation, enter callbacks for the new state, then generic change
// callbacks. Callback failures are swallowed so a misbehaving observer can
// never wedge the machine.
func (sm *StateMachine) TransitionTo(to State, reason string) (TransitionRecord, error) {
	if !sm.CanTransition(to) {
		return TransitionRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sm.state, to)
	}

	record := TransitionRecord{
		From:        sm.state,
		To:          to,
		TimestampMs: sm.clock.NowMs(sm.sessionID),
		Reason:      reason,
	}

	for _, f := range sm.exitCallbacks[sm.state] {
		f := f
		safecall.Invoke(sm.logger, "fsm.exit", func() { f(record) })
	}

	sm.state = to
	sm.enteredAtMs = record.TimestampMs

	for _, f := range sm.enterCallbacks[to] {
		f := f
		safecall.Invoke(sm.logger, "fsm.enter", func() { f(record) })
	}
	for _, f := range sm.changeCallbacks {
		f := f
		safecall.Invoke(sm.logger, "fsm.change", func() { f(record) })
	}

	sm.history = append(sm.history, record)
	if len(sm.history) > sm.historyLimit {
		sm.history = sm.history[len(sm.history)-sm.historyLimit:]
	}

	sm.logger.Debug("Session state transition",
		zap.String("sessionID", sm.sessionID),
		zap.String("from", string(record.From)),
		zap.String("to", string(record.To)),
		zap.String("reason", reason))
	return record, nil
}

// HandleUserSpeechStart moves IDLE -> LISTENING, or triggers a barge-in when
// the agent is speaking. A no-op from any other state.
func (sm *StateMachine) HandleUserSpeechStart() {
	switch sm.state {
	case StateIdle:
		sm.TransitionTo(StateListening, "user_speech_start") //nolint:errcheck // guarded
	case StateSpeaking:
		sm.HandleBargeIn()
	}
}

// HandleUserSpeechEnd moves LISTENING -> THINKING; a no-op otherwise.
func (sm *StateMachine) HandleUserSpeechEnd() {
	if sm.state != StateListening {
		return
	}
	sm.TransitionTo(StateThinking, "user_speech_end") //nolint:errcheck // guarded
}

// HandleResponseReady moves THINKING -> SPEAKING and resets the cancellation
// controller for the fresh turn; a no-op otherwise.
func (sm *StateMachine) HandleResponseReady() {
	if sm.state != StateThinking {
		return
	}
	sm.cancel.Reset()
	sm.TransitionTo(StateSpeaking, "response_ready") //nolint:errcheck // guarded
}

// HandleResponseComplete moves SPEAKING -> LISTENING; a no-op otherwise.
func (sm *StateMachine) HandleResponseComplete() {
	if sm.state != StateSpeaking {
		return
	}
	sm.TransitionTo(StateListening, "response_complete") //nolint:errcheck // guarded
}

// HandleBargeIn fires cancellation propagation and chains
// SPEAKING -> INTERRUPTED -> LISTENING as two recorded transitions. A no-op
// unless the agent is speaking.
func (sm *StateMachine) HandleBargeIn() {
	if sm.state != StateSpeaking {
		return
	}
	sm.cancel.Cancel(cancellation.ReasonUserInterruption)
	sm.TransitionTo(StateInterrupted, "user_interruption") //nolint:errcheck // guarded
	sm.TransitionTo(StateListening, "barge_in_recovery")   //nolint:errcheck // guarded
}

// Reset forces the machine back to IDLE from any state; a no-op when already
// there.
func (sm *StateMachine) Reset(reason string) {
	if sm.state == StateIdle {
		return
	}
	sm.TransitionTo(StateIdle, reason) //nolint:errcheck // every state may reach idle
}
