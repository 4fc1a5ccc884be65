package clock

import (
	"sync"
	"time"
)

// AudioClock is the process-wide monotonic time source. It maps each session
// onto a session-relative millisecond counter so that timing decisions made
// for different sessions are comparable. One instance is constructed at
// process start and injected into everything that needs it.
type AudioClock struct {
	mu     sync.RWMutex
	epoch  time.Time
	starts map[string]time.Time
}

// NewAudioClock creates an audio clock anchored at the current instant.
func NewAudioClock() *AudioClock {
	return &AudioClock{
		epoch:  time.Now(),
		starts: make(map[string]time.Time),
	}
}

// RegisterSession anchors a session's relative timeline at the current
// instant. Re-registering an already-known session is a no-op so that a
// session's timeline never jumps backwards.
func (c *AudioClock) RegisterSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.starts[sessionID]; !ok {
		c.starts[sessionID] = time.Now()
	}
}

// UnregisterSession forgets a session's anchor.
func (c *AudioClock) UnregisterSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.starts, sessionID)
}

// ProcessMs returns the process-relative time in milliseconds. Shared
// adapters that outlive any one session stamp events with this timeline.
func (c *AudioClock) ProcessMs() int64 {
	return time.Since(c.epoch).Milliseconds()
}

// NowMs returns the session-relative time in milliseconds. Unknown sessions
// fall back to the process-relative timeline.
func (c *AudioClock) NowMs(sessionID string) int64 {
	c.mu.RLock()
	start, ok := c.starts[sessionID]
	if !ok {
		start = c.epoch
	}
	c.mu.RUnlock()
	return time.Since(start).Milliseconds()
}
