package websocket

import (
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/session"
)

// SessionCleanupService reaps sessions whose clients went silent without
// ending them, so abandoned sessions do not hold capacity.
type SessionCleanupService struct {
	sessions *session.Manager
	maxIdle  time.Duration
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
}

// NewSessionCleanupService creates a cleanup service. maxIdle is how long a
// session may sit without a state transition before it is ended.
func NewSessionCleanupService(sessions *session.Manager, maxIdle, interval time.Duration, logger *zap.Logger) *SessionCleanupService {
	if maxIdle <= 0 {
		maxIdle = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionCleanupService{
		sessions: sessions,
		maxIdle:  maxIdle,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("maxIdle", s.maxIdle),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *SessionCleanupService) Stop() {
	close(s.stopChan)
	s.logger.Info("Session cleanup service stopped")
}

func (s *SessionCleanupService) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if reaped := s.sessions.ReapIdle(s.maxIdle); reaped > 0 {
				s.logger.Info("Session cleanup completed", zap.Int("reaped", reaped))
			}
		}
	}
}
