package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/domain/repositories"
)

// MockLanguageModel is an offline LanguageModel for tests and local
// development. It streams a scripted reply word by word so pipeline timing
// behaves like the real thing.
type MockLanguageModel struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	Reply   string
	Calls   int
	LastOps repositories.GenerateOptions
}

// NewMockLanguageModel creates a mock with a default reply.
func NewMockLanguageModel() *MockLanguageModel {
	return &MockLanguageModel{
		Reply: "Hello there! How can I help you today?",
	}
}

// GenerateStream implements repositories.LanguageModel.
func (m *MockLanguageModel) GenerateStream(ctx context.Context, history []entities.Message, opts repositories.GenerateOptions) (<-chan string, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty conversation history")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.Calls++
	m.LastOps = opts
	reply := m.Reply
	m.mu.Unlock()

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer cancel()
		for _, word := range strings.Fields(reply) {
			select {
			case out <- word + " ":
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Summarize implements repositories.LanguageModel with a canned summary.
func (m *MockLanguageModel) Summarize(ctx context.Context, messages []entities.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("The user and assistant exchanged %d messages.", len(messages)), nil
}

// Abort implements repositories.LanguageModel.
func (m *MockLanguageModel) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
