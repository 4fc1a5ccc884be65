package cancellation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/clock"
)

// Reason enumerates why a session's in-flight work is being cancelled.
type Reason string

const (
	ReasonUserInterruption Reason = "user_interruption"
	ReasonUserStop         Reason = "user_stop"
	ReasonSystemOverload   Reason = "system_overload"
	ReasonTimeout          Reason = "timeout"
	ReasonError            Reason = "error"
)

// CancelMessage is the immutable value fanned out to every registered handler
// on an interruption event.
type CancelMessage struct {
	SessionID   string `json:"session_id"`
	Reason      Reason `json:"reason"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Handler is invoked on cancellation. Synchronous handlers simply return when
// done; long-running ones should honor ctx, which is cancelled at the
// propagation deadline.
type Handler func(ctx context.Context, msg CancelMessage) error

// Controller fans an interruption signal out to every registered collaborator
// cancel callback, concurrently, within a bounded join. Sequential invocation
// cannot meet the aggregate interruption budget, so all handlers run in
// parallel and any handler still pending at the deadline is abandoned.
type Controller struct {
	sessionID string
	clock     *clock.AudioClock
	logger    *zap.Logger
	budget    time.Duration

	mu        sync.Mutex
	handlers  map[int]Handler
	nextID    int
	cancelled bool
}

// NewController creates a cancellation controller for one session. budget is
// the default propagation deadline.
func NewController(sessionID string, audioClock *clock.AudioClock, budget time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		sessionID: sessionID,
		clock:     audioClock,
		logger:    logger,
		budget:    budget,
		handlers:  make(map[int]Handler),
	}
}

// Register adds a cancel handler and returns a handle for Unregister.
func (c *Controller) Register(h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return id
}

// Unregister removes a previously registered handler. Unknown handles are
// ignored.
func (c *Controller) Unregister(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

// HandlerCount reports how many handlers are currently registered.
func (c *Controller) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// IsCancelled reports whether a cancellation has fired since the last Reset.
func (c *Controller) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Reset clears the cancelled flag for the next turn. Registered handlers are
// kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = false
}

// Cancel propagates with the controller's default budget.
func (c *Controller) Cancel(reason Reason) bool {
	return c.CancelWithTimeout(reason, c.budget)
}

// CancelWithTimeout builds the cancel message, marks the controller
// cancelled, and invokes every registered handler concurrently. It returns
// true iff every handler completed within the deadline; handlers still
// pending at the deadline keep running detached (their context is cancelled)
// and do not block the return. Calling Cancel while already cancelled is safe
// and re-sends the propagation.
func (c *Controller) CancelWithTimeout(reason Reason, timeout time.Duration) bool {
	c.mu.Lock()
	c.cancelled = true
	snapshot := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		snapshot = append(snapshot, h)
	}
	c.mu.Unlock()

	msg := CancelMessage{
		SessionID:   c.sessionID,
		Reason:      reason,
		TimestampMs: c.clock.NowMs(c.sessionID),
	}

	if len(snapshot) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, h := range snapshot {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("Cancel handler panicked",
						zap.String("sessionID", c.sessionID),
						zap.Any("panic", r))
				}
			}()
			if err := h(ctx, msg); err != nil {
				c.logger.Warn("Cancel handler returned error",
					zap.String("sessionID", c.sessionID),
					zap.String("reason", string(reason)),
					zap.Error(err))
			}
		}(h)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		// Abandon stragglers. Tolerated leak: the goroutines exit on
		// their own once their handler observes the cancelled context.
		c.logger.Warn("Cancellation propagation incomplete at deadline",
			zap.String("sessionID", c.sessionID),
			zap.String("reason", string(reason)),
			zap.Duration("timeout", timeout),
			zap.Int("handlers", len(snapshot)))
		return false
	}
}
