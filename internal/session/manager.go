package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/internal/backpressure"
	"github.com/vocalisai/vocalis/internal/cancellation"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/config"
	"github.com/vocalisai/vocalis/internal/contextwindow"
	"github.com/vocalisai/vocalis/internal/turn"
)

// Manager owns the session set. All mutating operations are serialized so
// concurrent create/end never lose updates; it is the only shared mutable
// structure across sessions.
type Manager struct {
	settings   config.Settings
	clock      *clock.AudioClock
	bp         *backpressure.Controller
	summarizer contextwindow.Summarizer
	persona    string
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. bp and summarizer may be nil;
// persona, when non-empty, becomes each session's pinned system prefix.
func NewManager(settings config.Settings, audioClock *clock.AudioClock, bp *backpressure.Controller, summarizer contextwindow.Summarizer, persona string, logger *zap.Logger) *Manager {
	return &Manager{
		settings:   settings,
		clock:      audioClock,
		bp:         bp,
		summarizer: summarizer,
		persona:    persona,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// CreateSession admits a new session, or returns nil when the capacity cap
// is reached or backpressure is rejecting. Both are ordinary, expected
// outcomes under load, not errors.
func (m *Manager) CreateSession() *Session {
	if m.bp != nil && !m.bp.ShouldAllowNewSession() {
		m.logger.Warn("Session rejected by backpressure",
			zap.String("level", m.bp.Level().String()))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.settings.SessionCapacity {
		m.logger.Warn("Session rejected at capacity",
			zap.Int("capacity", m.settings.SessionCapacity))
		return nil
	}

	id := uuid.NewString()
	m.clock.RegisterSession(id)

	ctrl := cancellation.NewController(id, m.clock, m.settings.InterruptionBudget, m.logger)
	sm := NewStateMachine(id, m.clock, ctrl, m.settings.HistoryLimit, m.logger)
	window := contextwindow.New(contextwindow.Options{
		RolloverThreshold: m.settings.RolloverThreshold,
		HardCap:           m.settings.ContextTokenCap,
		Summarizer:        m.summarizer,
		SummarizeTimeout:  m.settings.SummarizeTimeout,
	}, m.logger)
	if m.persona != "" {
		window.AddPinnedMessage(entities.RoleSystem, m.persona)
	}
	detector := turn.NewDetector(id, m.clock, m.settings.EndpointBudget, m.logger)

	s := newSession(id, m.clock, sm, window, detector, m.logger)
	m.sessions[id] = s

	m.logger.Info("Session created",
		zap.String("sessionID", id),
		zap.Int("active", len(m.sessions)))
	return s
}

// GetSession looks a session up by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// EndSession removes and stops a session. Returns false when the id is
// unknown or already ended; never an error.
func (m *Manager) EndSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Stop(cancellation.ReasonUserStop)
	m.clock.UnregisterSession(id)
	return true
}

// EndAllSessions stops every active session; used at shutdown.
func (m *Manager) EndAllSessions() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Stop(cancellation.ReasonUserStop)
		m.clock.UnregisterSession(s.ID)
	}
	m.logger.Info("All sessions ended", zap.Int("count", len(all)))
}

// ReapIdle ends sessions that have sat in IDLE or LISTENING beyond maxIdle
// without a transition. Returns how many were ended.
func (m *Manager) ReapIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		state := s.State()
		if state != StateIdle && state != StateListening {
			continue
		}
		if s.TimeInStateMs() > maxIdle.Milliseconds() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if m.EndSession(id) {
			m.logger.Info("Reaped idle session", zap.String("sessionID", id))
		}
	}
	return len(stale)
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Capacity reports the hard cap on concurrent sessions.
func (m *Manager) Capacity() int {
	return m.settings.SessionCapacity
}
