package session

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/backpressure"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/config"
)

func newTestManager(capacity int, bp *backpressure.Controller) *Manager {
	settings := config.Default()
	settings.SessionCapacity = capacity
	return NewManager(settings, clock.NewAudioClock(), bp, nil, "You are a helpful voice assistant.", zap.NewNop())
}

func TestCreateAndGetSession(t *testing.T) {
	m := newTestManager(5, nil)

	s := m.CreateSession()
	if s == nil {
		t.Fatal("Expected session below capacity")
	}
	if s.ID == "" {
		t.Error("Expected non-empty session id")
	}
	got, ok := m.GetSession(s.ID)
	if !ok || got != s {
		t.Error("GetSession did not return the created session")
	}
	if _, ok := m.GetSession("nope"); ok {
		t.Error("Expected lookup miss for unknown id")
	}
}

func TestPersonaPinnedInWindow(t *testing.T) {
	m := newTestManager(5, nil)
	s := m.CreateSession()

	msgs, err := s.Window().Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Pinned {
		t.Fatalf("Expected one pinned persona message, got %+v", msgs)
	}
	if msgs[0].Content != "You are a helpful voice assistant." {
		t.Errorf("Unexpected persona content: %q", msgs[0].Content)
	}
}

func TestCapacityRefusalReturnsNil(t *testing.T) {
	m := newTestManager(2, nil)

	if m.CreateSession() == nil || m.CreateSession() == nil {
		t.Fatal("Expected sessions up to capacity")
	}
	if s := m.CreateSession(); s != nil {
		t.Errorf("Expected nil at capacity, got %v", s.ID)
	}
	if m.ActiveCount() != 2 {
		t.Errorf("ActiveCount = %d, want 2", m.ActiveCount())
	}
}

func TestBackpressureRejectRefusesSession(t *testing.T) {
	bp := backpressure.NewController(20, zap.NewNop())
	bp.UpdateMetrics(backpressure.SystemMetrics{VRAMPercent: 99})
	m := newTestManager(20, bp)

	if s := m.CreateSession(); s != nil {
		t.Errorf("Expected nil under SESSION_REJECT, got %v", s.ID)
	}

	bp.UpdateMetrics(backpressure.SystemMetrics{VRAMPercent: 40})
	if m.CreateSession() == nil {
		t.Error("Expected session once pressure cleared")
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	m := newTestManager(5, nil)
	s := m.CreateSession()

	if !m.EndSession(s.ID) {
		t.Fatal("Expected first end to succeed")
	}
	if m.EndSession(s.ID) {
		t.Error("Expected second end to report false")
	}
	if m.EndSession("unknown") {
		t.Error("Expected end of unknown id to report false")
	}
	if _, ok := m.GetSession(s.ID); ok {
		t.Error("Expected ended session removed from the map")
	}
}

func TestEndedSessionFreesCapacity(t *testing.T) {
	m := newTestManager(1, nil)
	s := m.CreateSession()
	if m.CreateSession() != nil {
		t.Fatal("Expected capacity of one")
	}
	m.EndSession(s.ID)
	if m.CreateSession() == nil {
		t.Error("Expected slot reclaimed after end")
	}
}

func TestEndAllSessions(t *testing.T) {
	m := newTestManager(5, nil)
	a := m.CreateSession()
	b := m.CreateSession()

	m.EndAllSessions()
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}
	if a.StateMachine().State() != StateIdle || b.StateMachine().State() != StateIdle {
		t.Error("Expected all sessions reset to idle")
	}
}

func TestConcurrentCreateAndEnd(t *testing.T) {
	m := newTestManager(100, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s := m.CreateSession(); s != nil {
				ids <- s.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.EndSession(id)
		}(id)
	}
	wg.Wait()

	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after concurrent end, want 0", m.ActiveCount())
	}
}
