package backpressure

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestController() *Controller {
	return NewController(20, zap.NewNop())
}

func TestStartsAtNormal(t *testing.T) {
	c := newTestController()
	if c.Level() != LevelNormal {
		t.Errorf("Expected normal, got %s", c.Level())
	}
	k := c.Knobs()
	if k.VerbosityFactor != 1.0 || k.MaxTokensOverride != 512 || k.AnimationYield {
		t.Errorf("Unexpected normal knobs: %+v", k)
	}
}

func TestDegradationLadder(t *testing.T) {
	c := newTestController()

	// Animation lag pushes to ANIMATION_YIELD.
	c.UpdateMetrics(SystemMetrics{AnimationLagMs: 125})
	if c.Level() != LevelAnimationYield {
		t.Fatalf("Expected animation_yield, got %s", c.Level())
	}
	k := c.Knobs()
	if !k.AnimationYield {
		t.Error("Expected animation yield active")
	}
	if k.VerbosityFactor != 1.0 {
		t.Errorf("Expected verbosity 1.0 at animation_yield, got %v", k.VerbosityFactor)
	}

	// Slow TTFA pushes to VERBOSITY_REDUCE; the yield knob stays on.
	c.UpdateMetrics(SystemMetrics{AnimationLagMs: 125, AvgTTFAMs: 205})
	if c.Level() != LevelVerbosityReduce {
		t.Fatalf("Expected verbosity_reduce, got %s", c.Level())
	}
	k = c.Knobs()
	if k.VerbosityFactor != 0.7 || k.MaxTokensOverride != 384 {
		t.Errorf("Unexpected verbosity_reduce knobs: %+v", k)
	}
	if !k.AnimationYield {
		t.Error("Expected animation yield to remain active at higher level")
	}

	// Worse TTFA pushes to TOOL_REFUSE.
	c.UpdateMetrics(SystemMetrics{AnimationLagMs: 125, AvgTTFAMs: 230})
	if c.Level() != LevelToolRefuse {
		t.Fatalf("Expected tool_refuse, got %s", c.Level())
	}
	k = c.Knobs()
	if !k.ToolsDisabled || k.VerbosityFactor != 0.5 || k.MaxTokensOverride != 256 {
		t.Errorf("Unexpected tool_refuse knobs: %+v", k)
	}
	if c.ShouldAllowToolCall("search") {
		t.Error("Expected search tool refused")
	}
	if !c.ShouldAllowToolCall("cancel") {
		t.Error("Expected essential cancel tool always allowed")
	}

	// SESSION_QUEUE and SESSION_REJECT.
	c.UpdateMetrics(SystemMetrics{AvgTTFAMs: 242})
	if c.Level() != LevelSessionQueue {
		t.Fatalf("Expected session_queue, got %s", c.Level())
	}
	if !c.ShouldAllowNewSession() {
		t.Error("Expected new sessions still allowed while queueing")
	}

	c.UpdateMetrics(SystemMetrics{AvgTTFAMs: 255})
	if c.Level() != LevelSessionReject {
		t.Fatalf("Expected session_reject, got %s", c.Level())
	}
	if c.ShouldAllowNewSession() {
		t.Error("Expected new sessions rejected")
	}
}

func TestHighestQualifyingLevelWins(t *testing.T) {
	c := newTestController()
	// VRAM 98 qualifies every level up to reject; the highest wins.
	c.UpdateMetrics(SystemMetrics{VRAMPercent: 98})
	if c.Level() != LevelSessionReject {
		t.Errorf("Expected session_reject at VRAM 98%%, got %s", c.Level())
	}
}

func TestCapacityThresholds(t *testing.T) {
	c := newTestController() // capacity 20

	c.UpdateMetrics(SystemMetrics{ActiveSessions: 18})
	if c.Level() != LevelVerbosityReduce {
		t.Errorf("Expected verbosity_reduce at capacity-2, got %s", c.Level())
	}
	c.UpdateMetrics(SystemMetrics{ActiveSessions: 19})
	if c.Level() != LevelSessionQueue {
		t.Errorf("Expected session_queue at capacity-1, got %s", c.Level())
	}
	c.UpdateMetrics(SystemMetrics{ActiveSessions: 20})
	if c.Level() != LevelSessionReject {
		t.Errorf("Expected session_reject at capacity, got %s", c.Level())
	}
}

func TestErrorRateRejects(t *testing.T) {
	c := newTestController()
	c.UpdateMetrics(SystemMetrics{ErrorRate: 0.06})
	if c.Level() != LevelSessionReject {
		t.Errorf("Expected session_reject at 6%% error rate, got %s", c.Level())
	}
}

func TestQueuePositionCountsOnlyWhileQueueing(t *testing.T) {
	c := newTestController()

	if pos := c.QueuePosition(); pos != 0 {
		t.Errorf("Expected position 0 at normal, got %d", pos)
	}

	c.UpdateMetrics(SystemMetrics{AvgTTFAMs: 242})
	first := c.QueuePosition()
	second := c.QueuePosition()
	if first != 1 || second != 2 {
		t.Errorf("Expected monotone positions 1,2, got %d,%d", first, second)
	}
}

func TestLevelChangeCallbacksSwallowPanics(t *testing.T) {
	c := newTestController()

	var fired int32
	c.OnLevelChange(func(l Level, k Knobs) {
		panic("observer bug")
	})
	c.OnLevelChange(func(l Level, k Knobs) {
		atomic.AddInt32(&fired, 1)
	})

	c.UpdateMetrics(SystemMetrics{VRAMPercent: 86})
	if atomic.LoadInt32(&fired) != 1 {
		t.Error("Expected remaining callbacks to fire despite a panicking observer")
	}
}

func TestNoCallbackWhenLevelUnchanged(t *testing.T) {
	c := newTestController()
	var fired int32
	c.OnLevelChange(func(l Level, k Knobs) { atomic.AddInt32(&fired, 1) })

	c.UpdateMetrics(SystemMetrics{AnimationLagMs: 125})
	c.UpdateMetrics(SystemMetrics{AnimationLagMs: 130})

	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Errorf("Expected one notification, got %d", got)
	}
}

func TestReset(t *testing.T) {
	c := newTestController()
	c.UpdateMetrics(SystemMetrics{AvgTTFAMs: 242})
	c.QueuePosition()
	c.Reset()

	if c.Level() != LevelNormal {
		t.Errorf("Expected normal after reset, got %s", c.Level())
	}
	if pos := c.QueuePosition(); pos != 0 {
		t.Errorf("Expected cleared queue counter, got %d", pos)
	}
}

func TestRunEvaluatesPeriodically(t *testing.T) {
	c := newTestController()
	var samples int32
	source := func() SystemMetrics {
		atomic.AddInt32(&samples, 1)
		return SystemMetrics{VRAMPercent: 86}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx, source, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	cancel()

	if atomic.LoadInt32(&samples) < 2 {
		t.Error("Expected periodic evaluation to sample more than once")
	}
	if c.Level() != LevelAnimationYield {
		t.Errorf("Expected loop to apply snapshots, got %s", c.Level())
	}
}
