package repositories

import (
	"context"

	"github.com/vocalisai/vocalis/domain/entities"
)

// GenerateOptions carries per-turn generation knobs, derived from the
// backpressure level at the time the turn starts.
type GenerateOptions struct {
	// MaxTokens caps the reply length. Zero means the provider default.
	MaxTokens int
	// VerbosityFactor scales how expansive the reply should be (1.0 is
	// normal, lower values request terser answers).
	VerbosityFactor float64
	// ToolsDisabled suppresses tool/function calling for this turn.
	ToolsDisabled bool
}

// LanguageModel abstracts a streaming chat/LLM provider.
type LanguageModel interface {
	// GenerateStream starts a streaming completion over the given context
	// window and returns a channel of reply tokens. The channel is closed
	// when generation finishes or is aborted.
	GenerateStream(ctx context.Context, messages []entities.Message, opts GenerateOptions) (<-chan string, error)
	// Summarize condenses the given messages into a short summary, used
	// for context-window rollover.
	Summarize(ctx context.Context, messages []entities.Message) (string, error)
	// Abort cancels any in-flight generation. Must return quickly; it is
	// called from the interruption path.
	Abort()
}
