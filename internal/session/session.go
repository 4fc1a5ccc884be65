package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/internal/cancellation"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/contextwindow"
	"github.com/vocalisai/vocalis/internal/turn"
)

// Metrics are a session's running turn statistics.
type Metrics struct {
	TurnCount         int64   `json:"turn_count"`
	InterruptionCount int64   `json:"interruption_count"`
	MinTTFAMs         int64   `json:"min_ttfa_ms"`
	MaxTTFAMs         int64   `json:"max_ttfa_ms"`
	AvgTTFAMs         float64 `json:"avg_ttfa_ms"`

	ttfaTotal   int64
	ttfaSamples int64
}

func (m *Metrics) recordTTFA(ttfaMs int64) {
	if m.ttfaSamples == 0 || ttfaMs < m.MinTTFAMs {
		m.MinTTFAMs = ttfaMs
	}
	if ttfaMs > m.MaxTTFAMs {
		m.MaxTTFAMs = ttfaMs
	}
	m.ttfaTotal += ttfaMs
	m.ttfaSamples++
	m.AvgTTFAMs = float64(m.ttfaTotal) / float64(m.ttfaSamples)
}

// Session is the owning aggregate for one conversation: one state machine,
// one cancellation controller, one context window, one turn detector. At
// most one turn is in flight at a time. A session is never reused after
// Stop.
type Session struct {
	ID     string
	logger *zap.Logger
	clock  *clock.AudioClock

	sm       *StateMachine
	window   *contextwindow.Window
	detector *turn.Detector

	// evMu serializes every handler that touches the detector or the state
	// machine. The websocket read loop, the transcript consumer, and the
	// turn pipeline all call in from their own goroutines; neither
	// component carries its own lock. Detector callbacks registered in
	// newSession fire while evMu is already held, so they go through the
	// unlocked variants below.
	evMu sync.Mutex

	mu         sync.Mutex
	turnSeq    int64
	current    *entities.Turn
	turnActive bool
	metrics    Metrics
	stopped    bool
}

// newSession wires the aggregate together; sessions are created only through
// the Manager. Detector voice events drive the state machine and the turn
// bookkeeping.
func newSession(id string, audioClock *clock.AudioClock, sm *StateMachine, window *contextwindow.Window, detector *turn.Detector, logger *zap.Logger) *Session {
	s := &Session{
		ID:       id,
		logger:   logger,
		clock:    audioClock,
		sm:       sm,
		window:   window,
		detector: detector,
	}

	detector.OnStateChange(func(tr turn.Transition) {
		if tr.From == turn.StateIdle && tr.To == turn.StateListening {
			s.onSpeechStart()
		}
	})
	detector.OnEndpoint(func(tr turn.Transition) {
		s.onEndpointDetected(tr.TimestampMs)
	})
	detector.OnBargeIn(func(tr turn.Transition) {
		s.onBargeIn()
	})
	return s
}

// StateMachine returns the session's FSM.
func (s *Session) StateMachine() *StateMachine { return s.sm }

// Window returns the session's context window.
func (s *Session) Window() *contextwindow.Window { return s.window }

// Detector returns the session's turn detector.
func (s *Session) Detector() *turn.Detector { return s.detector }

// Cancellation returns the session's cancellation controller.
func (s *Session) Cancellation() *cancellation.Controller { return s.sm.Cancellation() }

// State reports the FSM state, serialized with event handling so readers
// in other goroutines never observe a transition mid-flight.
func (s *Session) State() State {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	return s.sm.State()
}

// TimeInStateMs reports how long the FSM has sat in its current state.
func (s *Session) TimeInStateMs() int64 {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	return s.sm.TimeInStateMs()
}

// Metrics returns a snapshot of the running metrics.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// CurrentTurn returns a copy of the in-flight turn, false when none.
func (s *Session) CurrentTurn() (entities.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return entities.Turn{}, false
	}
	return *s.current, true
}

// HandleVoiceEvent feeds one recognizer voice-activity event through the
// turn detector.
func (s *Session) HandleVoiceEvent(ev turn.VoiceEvent) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.detector.HandleVoiceEvent(ev)
}

// OnSpeechStart marks the user starting to speak.
func (s *Session) OnSpeechStart() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.onSpeechStart()
}

func (s *Session) onSpeechStart() {
	s.sm.HandleUserSpeechStart()
}

// OnEndpointDetected opens a new turn and moves the FSM to THINKING. The
// turn start is stamped from the session clock, not the client-reported
// event timestamp, so TTFA is measured on the same timeline that stamps
// the first audio byte. It refuses to open a second turn while one is in
// flight and reports whether a turn was opened.
func (s *Session) OnEndpointDetected(clientTsMs int64) bool {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	return s.onEndpointDetected(clientTsMs)
}

func (s *Session) onEndpointDetected(clientTsMs int64) bool {
	s.mu.Lock()
	if s.turnActive {
		s.mu.Unlock()
		s.logger.Warn("Endpoint while a turn is already processing, ignored",
			zap.String("sessionID", s.ID))
		return false
	}
	s.turnSeq++
	s.current = &entities.Turn{
		ID:        fmt.Sprintf("turn-%d", s.turnSeq),
		SessionID: s.ID,
		StartMs:   s.clock.NowMs(s.ID),
	}
	turnID := s.current.ID
	s.turnActive = true
	s.mu.Unlock()

	s.logger.Debug("Turn opened",
		zap.String("sessionID", s.ID),
		zap.String("turnID", turnID),
		zap.Int64("clientEndpointMs", clientTsMs))

	s.sm.HandleUserSpeechEnd()
	return true
}

// OnFirstAudioByte records time-to-first-audio for the in-flight turn. tMs
// must come from the session clock, the same timeline that stamped the turn
// start.
func (s *Session) OnFirstAudioByte(tMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.FirstAudioMs != 0 {
		return
	}
	s.current.FirstAudioMs = tMs
	s.current.TTFAMs = tMs - s.current.StartMs
	s.metrics.recordTTFA(s.current.TTFAMs)

	s.logger.Info("First audio byte",
		zap.String("sessionID", s.ID),
		zap.String("turnID", s.current.ID),
		zap.Int64("ttfaMs", s.current.TTFAMs))
}

// OnResponseReady marks the reply ready to speak.
func (s *Session) OnResponseReady() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.sm.HandleResponseReady()
	s.detector.StartSpeaking()
}

// OnResponseComplete closes the turn and returns the FSM to LISTENING.
func (s *Session) OnResponseComplete() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.sm.HandleResponseComplete()
	s.detector.FinishSpeaking()
	s.closeTurn(false)
}

// OnBargeIn counts the interruption, fires cancellation through the FSM, and
// closes the in-flight turn as interrupted.
func (s *Session) OnBargeIn() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.onBargeIn()
}

func (s *Session) onBargeIn() {
	s.mu.Lock()
	s.metrics.InterruptionCount++
	s.mu.Unlock()

	s.sm.HandleBargeIn()
	s.closeTurn(true)
}

// ResetListening returns the detector to LISTENING without closing a turn,
// used when an utterance ended with no recognizable speech.
func (s *Session) ResetListening(reason string) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.detector.ResetTurn(reason)
}

// AbandonTurn drops the in-flight turn after a collaborator failure or the
// hard per-turn timeout: cancel whatever is running and return to LISTENING
// rather than crashing the session.
func (s *Session) AbandonTurn(reason cancellation.Reason) {
	s.evMu.Lock()
	defer s.evMu.Unlock()

	s.Cancellation().Cancel(reason)
	switch s.sm.State() {
	case StateThinking:
		s.sm.TransitionTo(StateListening, string(reason)) //nolint:errcheck // in table
	case StateSpeaking:
		s.sm.TransitionTo(StateInterrupted, string(reason)) //nolint:errcheck // in table
		s.sm.TransitionTo(StateListening, "turn_abandoned") //nolint:errcheck // in table
	}
	s.detector.ResetTurn(string(reason))
	s.closeTurn(true)
}

func (s *Session) closeTurn(interrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.current.EndMs = s.clock.NowMs(s.ID)
	s.current.Interrupted = interrupted
	s.metrics.TurnCount++
	s.turnActive = false
	s.current = nil
}

// Stop cancels any in-flight work and retires the session. Idempotent.
func (s *Session) Stop(reason cancellation.Reason) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.evMu.Lock()
	s.Cancellation().Cancel(reason)
	s.sm.Reset(string(reason))
	s.evMu.Unlock()
	s.clock.UnregisterSession(s.ID)

	s.logger.Info("Session stopped",
		zap.String("sessionID", s.ID),
		zap.String("reason", string(reason)))
}
