package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/entities"
)

// ErrRolloverFailed is returned when rollover summarization times out or
// errors. The window is left unchanged and the caller must reject the
// in-flight turn; context is never silently truncated.
var ErrRolloverFailed = errors.New("context rollover failed")

// ErrOverHardCap is returned when even a completed rollover cannot bring the
// window back under its absolute token budget, e.g. an oversized pinned
// prefix. The triggering turn must be rejected.
var ErrOverHardCap = errors.New("context window over hard cap")

// Summarizer condenses evicted conversation turns into a short summary.
// Usually backed by the language-model collaborator.
type Summarizer interface {
	Summarize(ctx context.Context, messages []entities.Message) (string, error)
}

// Window is a per-session conversation buffer with a pinned prefix, a rolling
// FIFO window, and a derived summary of evicted history. When the estimated
// token total reaches the rollover threshold, the older half of the rolling
// window is summarized and evicted before messages are handed out.
type Window struct {
	logger *zap.Logger

	summarizer       Summarizer
	summarizeTimeout time.Duration
	threshold        int
	hardCap          int

	pinned  []entities.Message
	rolling []entities.Message
	summary string

	pinnedTokens  int
	rollingTokens int
	summaryTokens int

	rollovers int
}

// Options configures a Window.
type Options struct {
	// RolloverThreshold is the soft token threshold that triggers rollover.
	RolloverThreshold int
	// HardCap is the absolute token budget for pinned + rolling + summary.
	HardCap int
	// Summarizer may be nil, in which case a truncation-based fallback is
	// used for rollover.
	Summarizer Summarizer
	// SummarizeTimeout bounds each summarization call. Defaults to 5s.
	SummarizeTimeout time.Duration
}

// New creates an empty context window.
func New(opts Options, logger *zap.Logger) *Window {
	if opts.SummarizeTimeout <= 0 {
		opts.SummarizeTimeout = 5 * time.Second
	}
	if opts.RolloverThreshold <= 0 {
		opts.RolloverThreshold = 1536
	}
	if opts.HardCap <= 0 {
		opts.HardCap = opts.RolloverThreshold + opts.RolloverThreshold/3
	}
	return &Window{
		logger:           logger,
		summarizer:       opts.Summarizer,
		summarizeTimeout: opts.SummarizeTimeout,
		threshold:        opts.RolloverThreshold,
		hardCap:          opts.HardCap,
	}
}

// AddUserMessage appends a user turn to the rolling window.
func (w *Window) AddUserMessage(text string) {
	w.appendRolling(entities.NewMessage(entities.RoleUser, text))
}

// AddAssistantMessage appends an assistant turn to the rolling window.
func (w *Window) AddAssistantMessage(text string) {
	w.appendRolling(entities.NewMessage(entities.RoleAssistant, text))
}

// AddPinnedMessage appends to the never-evicted prefix (system/persona
// content).
func (w *Window) AddPinnedMessage(role entities.Role, text string) {
	m := entities.NewPinnedMessage(role, text)
	w.pinned = append(w.pinned, m)
	w.pinnedTokens += m.Tokens
}

func (w *Window) appendRolling(m entities.Message) {
	w.rolling = append(w.rolling, m)
	w.rollingTokens += m.Tokens
}

// TotalTokens is the running estimate for pinned + rolling + summary.
func (w *Window) TotalTokens() int {
	return w.pinnedTokens + w.rollingTokens + w.summaryTokens
}

// NeedsRollover reports whether the token estimate has reached the threshold.
func (w *Window) NeedsRollover() bool {
	return len(w.rolling) > 0 && w.TotalTokens() >= w.threshold
}

// RolloverCount reports how many rollovers have run, for diagnostics.
func (w *Window) RolloverCount() int {
	return w.rollovers
}

// RollingLen reports the current rolling-window message count.
func (w *Window) RollingLen() int {
	return len(w.rolling)
}

// Summary returns the derived summary of evicted history.
func (w *Window) Summary() string {
	return w.summary
}

// Messages composes the window for a generation request: pinned prefix, then
// the summary wrapped as a system note (if any), then the rolling window.
// Rollover runs synchronously first whenever the threshold has been reached,
// so callers never see a window over the threshold by more than one message.
// A failed rollover fails the call, and a window still over the hard cap
// after rollover fails it too; the triggering turn must be rejected.
func (w *Window) Messages(ctx context.Context) ([]entities.Message, error) {
	for w.NeedsRollover() {
		before := len(w.rolling)
		if err := w.rollover(ctx); err != nil {
			return nil, err
		}
		if len(w.rolling) == before {
			break
		}
	}

	if w.TotalTokens() > w.hardCap {
		w.logger.Error("Context window over hard cap",
			zap.Int("totalTokens", w.TotalTokens()),
			zap.Int("hardCap", w.hardCap))
		return nil, fmt.Errorf("%w: %d tokens over a budget of %d",
			ErrOverHardCap, w.TotalTokens(), w.hardCap)
	}

	out := make([]entities.Message, 0, len(w.pinned)+1+len(w.rolling))
	out = append(out, w.pinned...)
	if w.summary != "" {
		out = append(out, entities.NewMessage(entities.RoleSystem,
			"Summary of earlier conversation: "+w.summary))
	}
	out = append(out, w.rolling...)
	return out, nil
}

// rollover summarizes the older half of the rolling window (midpoint rounded
// up, so a single oversized message still makes progress), appends the result
// to the existing summary, and retains the newer half. On summarization
// failure the window is left untouched.
func (w *Window) rollover(ctx context.Context) error {
	mid := (len(w.rolling) + 1) / 2
	older := w.rolling[:mid]

	sctx, cancel := context.WithTimeout(ctx, w.summarizeTimeout)
	defer cancel()

	var summary string
	var err error
	if w.summarizer != nil {
		summary, err = w.summarizer.Summarize(sctx, older)
	} else {
		summary = truncatedSummary(older)
	}
	if err != nil {
		w.logger.Error("Rollover summarization failed",
			zap.Int("messages", len(older)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRolloverFailed, err)
	}

	evictedTokens := 0
	for _, m := range older {
		evictedTokens += m.Tokens
	}

	if w.summary != "" {
		w.summary = w.summary + "\n" + summary
	} else {
		w.summary = summary
	}
	w.summaryTokens = entities.EstimateTokens(w.summary)

	newer := make([]entities.Message, len(w.rolling)-mid)
	copy(newer, w.rolling[mid:])
	w.rolling = newer
	w.rollingTokens -= evictedTokens
	w.rollovers++

	w.logger.Info("Context rollover completed",
		zap.Int("evicted", mid),
		zap.Int("retained", len(w.rolling)),
		zap.Int("totalTokens", w.TotalTokens()))
	return nil
}

// truncatedSummary is the no-collaborator fallback: first words of each
// evicted turn concatenated.
func truncatedSummary(messages []entities.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if len(content) > 80 {
			content = content[:80] + "..."
		}
		parts = append(parts, string(m.Role)+": "+content)
	}
	return strings.Join(parts, "; ")
}

// Clear removes all rolling messages and the summary but preserves the
// pinned prefix.
func (w *Window) Clear() {
	w.rolling = nil
	w.rollingTokens = 0
	w.summary = ""
	w.summaryTokens = 0
}
