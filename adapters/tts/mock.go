package tts

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocalisai/vocalis/domain/repositories"
)

// MockSynthesizer is an offline SpeechSynthesizer for tests and local
// development. Each text token becomes one fixed-size audio chunk.
type MockSynthesizer struct {
	ChunkSize int

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ repositories.SpeechSynthesizer = (*MockSynthesizer)(nil)

// NewMockSynthesizer creates a mock synthesizer.
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{ChunkSize: 320}
}

func (m *MockSynthesizer) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	if text == nil {
		return nil, fmt.Errorf("text channel cannot be nil")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	out := make(chan []byte, 10)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-streamCtx.Done():
				return
			case _, ok := <-text:
				if !ok {
					return
				}
				select {
				case out <- make([]byte, m.ChunkSize):
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MockSynthesizer) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
