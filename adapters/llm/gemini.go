package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/domain/repositories"
)

const (
	defaultModel       = "gemini-2.0-flash"
	defaultTemperature = 0.7
	defaultTopP        = 0.95
	defaultTopK        = 40
	defaultMaxTokens   = 512
)

// GeminiConfig holds tuning for the Gemini generation calls. Zero values
// fall back to defaults.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	TopP        float32
	TopK        float32
	MaxTokens   int
}

// ValidateGeminiConfig rejects out-of-range tuning before a client is built.
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}
	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must be positive, got %d", config.MaxTokens)
	}
	return nil
}

// GeminiLLM implements the LanguageModel interface against Google's Gemini
// API. Streaming responses are forwarded sentence-chunk by sentence-chunk so
// downstream synthesis can start before generation finishes.
type GeminiLLM struct {
	client *genai.Client
	logger *zap.Logger
	config GeminiConfig

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewGeminiLLM creates a Gemini-backed language model. The API key comes
// from GEMINI_API_KEY when the config leaves it empty.
func NewGeminiLLM(config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Temperature == 0 {
		config.Temperature = defaultTemperature
	}
	if config.TopP == 0 {
		config.TopP = defaultTopP
	}
	if config.TopK == 0 {
		config.TopK = defaultTopK
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaultMaxTokens
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLLM{
		client: client,
		logger: logger,
		config: config,
	}, nil
}

// GenerateStream starts a streaming completion over the conversation and
// returns a channel of text chunks. The channel closes when generation
// finishes, errors out, or Abort is called.
func (g *GeminiLLM) GenerateStream(ctx context.Context, history []entities.Message, opts repositories.GenerateOptions) (<-chan string, error) {
	contents := toGeminiContents(history)
	if len(contents) == 0 {
		return nil, fmt.Errorf("empty conversation history")
	}

	maxTokens := g.config.MaxTokens
	if opts.MaxTokens > 0 && opts.MaxTokens < maxTokens {
		maxTokens = opts.MaxTokens
	}
	temperature := effectiveTemperature(g.config.Temperature, opts.VerbosityFactor)

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature),
		TopP:            genai.Ptr(g.config.TopP),
		TopK:            genai.Ptr(g.config.TopK),
		MaxOutputTokens: int32(maxTokens),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.cancel = cancel
	g.mu.Unlock()

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer cancel()

		for resp, err := range g.client.Models.GenerateContentStream(streamCtx, g.config.Model, contents, genConfig) {
			if err != nil {
				if streamCtx.Err() == nil {
					g.logger.Error("Gemini stream failed", zap.Error(err))
				}
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			select {
			case out <- text:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

// effectiveTemperature scales the configured temperature down when the
// caller asked for a shorter reply. Lower verbosity also cools the
// sampling a little.
func effectiveTemperature(base float32, verbosity float64) float32 {
	if verbosity > 0 && verbosity < 1 {
		return base * float32(verbosity)
	}
	return base
}

// Summarize condenses the given messages into a short running summary. The
// caller bounds the context; a single retry covers transient API failures.
func (g *GeminiLLM) Summarize(ctx context.Context, messages []entities.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation in a few sentences, keeping names, decisions, and open questions:\n\n")
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	contents := []*genai.Content{genai.NewContentFromText(sb.String(), genai.RoleUser)}

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.2)),
		MaxOutputTokens: 256,
	}

	var resp *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = g.client.Models.GenerateContent(ctx, g.config.Model, contents, genConfig)
		if err == nil {
			break
		}
		g.logger.Warn("Summarization attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return "", fmt.Errorf("failed to summarize conversation: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("summarization returned no content")
	}
	return strings.TrimSpace(text), nil
}

// Abort cancels any in-flight generation stream.
func (g *GeminiLLM) Abort() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

func toGeminiContents(messages []entities.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		var role genai.Role
		switch msg.Role {
		case entities.RoleAssistant:
			role = genai.RoleModel
		default:
			// System prompts ride along as user content; Gemini has no
			// separate system role on this path.
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text
}
