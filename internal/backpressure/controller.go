package backpressure

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/safecall"
)

// Level is an ordered degradation tier. Higher levels throttle more of the
// system; audio output is never throttled at any level.
type Level int

const (
	LevelNormal Level = iota
	LevelAnimationYield
	LevelVerbosityReduce
	LevelToolRefuse
	LevelSessionQueue
	LevelSessionReject
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelAnimationYield:
		return "animation_yield"
	case LevelVerbosityReduce:
		return "verbosity_reduce"
	case LevelToolRefuse:
		return "tool_refuse"
	case LevelSessionQueue:
		return "session_queue"
	case LevelSessionReject:
		return "session_reject"
	default:
		return "unknown"
	}
}

// SystemMetrics is one load snapshot fed into the controller.
type SystemMetrics struct {
	VRAMPercent    float64 `json:"vram_percent"`
	CPUPercent     float64 `json:"cpu_percent"`
	ActiveSessions int     `json:"active_sessions"`
	QueueDepth     int     `json:"queue_depth"`
	AvgTTFAMs      float64 `json:"avg_ttfa_ms"`
	AnimationLagMs float64 `json:"animation_lag_ms"`
	ErrorRate      float64 `json:"error_rate"`
}

// Knobs are the level-specific throttles, recomputed deterministically from
// the level. Higher levels include the lower levels' knobs.
type Knobs struct {
	AnimationYield    bool    `json:"animation_yield"`
	VerbosityFactor   float64 `json:"verbosity_factor"`
	MaxTokensOverride int     `json:"max_tokens_override"`
	ToolsDisabled     bool    `json:"tools_disabled"`
	QueueNewSessions  bool    `json:"queue_new_sessions"`
	RejectNewSessions bool    `json:"reject_new_sessions"`
}

// essentialTools are always allowed regardless of level.
var essentialTools = map[string]bool{
	"cancel":         true,
	"end_session":    true,
	"emergency_stop": true,
}

// MetricsSource supplies snapshots for the periodic evaluation loop.
type MetricsSource func() SystemMetrics

// Controller continuously evaluates load metrics against ordered thresholds
// and derives the degradation level. Reads may race an in-flight update;
// callers tolerate a stale-by-one-interval snapshot.
type Controller struct {
	logger   *zap.Logger
	capacity int

	mu           sync.RWMutex
	level        Level
	knobs        Knobs
	metrics      SystemMetrics
	queueCounter int
	handlers     []func(Level, Knobs)

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewController creates a controller at NORMAL. capacity is the session
// manager's hard cap, used for the session-count thresholds.
func NewController(capacity int, logger *zap.Logger) *Controller {
	return &Controller{
		logger:   logger,
		capacity: capacity,
		level:    LevelNormal,
		knobs:    knobsFor(LevelNormal),
		stopChan: make(chan struct{}),
	}
}

// OnLevelChange registers a callback notified on every level change.
// Callback failures are swallowed.
func (c *Controller) OnLevelChange(f func(Level, Knobs)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, f)
}

// UpdateMetrics recomputes the level from a fresh snapshot. For every level
// above NORMAL in ascending severity, the level qualifies when any of its
// tracked metric/threshold pairs is met or exceeded; the highest qualifying
// level wins.
func (c *Controller) UpdateMetrics(m SystemMetrics) {
	newLevel := c.evaluate(m)

	c.mu.Lock()
	c.metrics = m
	changed := newLevel != c.level
	old := c.level
	if changed {
		c.level = newLevel
		c.knobs = knobsFor(newLevel)
	}
	knobs := c.knobs
	handlers := make([]func(Level, Knobs), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	if !changed {
		return
	}

	c.logger.Info("Backpressure level changed",
		zap.String("from", old.String()),
		zap.String("to", newLevel.String()),
		zap.Float64("avgTTFAMs", m.AvgTTFAMs),
		zap.Float64("vramPercent", m.VRAMPercent),
		zap.Int("activeSessions", m.ActiveSessions))

	for _, h := range handlers {
		h := h
		safecall.Invoke(c.logger, "backpressure.level_change", func() {
			h(newLevel, knobs)
		})
	}
}

func (c *Controller) evaluate(m SystemMetrics) Level {
	level := LevelNormal
	if m.AnimationLagMs >= 120 || m.VRAMPercent >= 85 {
		level = LevelAnimationYield
	}
	if m.AvgTTFAMs >= 200 || m.VRAMPercent >= 90 || m.ActiveSessions >= c.capacity-2 {
		level = LevelVerbosityReduce
	}
	if m.AvgTTFAMs >= 225 || m.VRAMPercent >= 93 {
		level = LevelToolRefuse
	}
	if m.AvgTTFAMs >= 240 || m.VRAMPercent >= 95 || m.ActiveSessions >= c.capacity-1 {
		level = LevelSessionQueue
	}
	if m.AvgTTFAMs >= 250 || m.VRAMPercent >= 98 || m.ActiveSessions >= c.capacity || m.ErrorRate >= 0.05 {
		level = LevelSessionReject
	}
	return level
}

func knobsFor(level Level) Knobs {
	k := Knobs{VerbosityFactor: 1.0, MaxTokensOverride: 512}
	if level >= LevelAnimationYield {
		k.AnimationYield = true
	}
	if level >= LevelVerbosityReduce {
		k.VerbosityFactor = 0.7
		k.MaxTokensOverride = 384
	}
	if level >= LevelToolRefuse {
		k.VerbosityFactor = 0.5
		k.MaxTokensOverride = 256
		k.ToolsDisabled = true
	}
	if level >= LevelSessionQueue {
		k.QueueNewSessions = true
	}
	if level >= LevelSessionReject {
		k.RejectNewSessions = true
	}
	return k
}

// Level returns the current degradation level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// Knobs returns the current level's throttles.
func (c *Controller) Knobs() Knobs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knobs
}

// Metrics returns the last snapshot fed in.
func (c *Controller) Metrics() SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// ShouldAllowToolCall reports whether a tool call may run at the current
// level. The essential set (cancel, end_session, emergency_stop) is always
// allowed.
func (c *Controller) ShouldAllowToolCall(name string) bool {
	if essentialTools[name] {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level < LevelToolRefuse
}

// ShouldAllowNewSession is false only at SESSION_REJECT.
func (c *Controller) ShouldAllowNewSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level < LevelSessionReject
}

// QueuePosition increments and returns the queue counter while at
// SESSION_QUEUE or above; below that it returns zero.
func (c *Controller) QueuePosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level < LevelSessionQueue {
		return 0
	}
	c.queueCounter++
	return c.queueCounter
}

// Reset returns the controller to NORMAL and clears metrics and the queue
// counter.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = LevelNormal
	c.knobs = knobsFor(LevelNormal)
	c.metrics = SystemMetrics{}
	c.queueCounter = 0
}

// Run evaluates snapshots from source every interval until ctx is done or
// Stop is called. It is independent of request handling.
func (c *Controller) Run(ctx context.Context, source MetricsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.UpdateMetrics(source())
		}
	}
}

// Stop terminates a running evaluation loop.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}
