package stt

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/repositories"
)

// MockSpeechRecognizer is an offline SpeechRecognizer for tests and local
// development. Each stream emits an interim result once enough audio has
// arrived and a final transcript with an endpoint when closed.
type MockSpeechRecognizer struct {
	logger *zap.Logger
	nowMs  func() int64
}

// NewMockSpeechRecognizer creates a mock recognizer.
func NewMockSpeechRecognizer(nowMs func() int64, logger *zap.Logger) *MockSpeechRecognizer {
	return &MockSpeechRecognizer{
		logger: logger,
		nowMs:  nowMs,
	}
}

func (m *MockSpeechRecognizer) InitStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	m.logger.Debug("Initializing mock recognition stream",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	return &mockRecognitionStream{
		logger: m.logger,
		nowMs:  m.nowMs,
		events: make(chan repositories.TranscriptEvent, 16),
	}, nil
}

type mockRecognitionStream struct {
	logger *zap.Logger
	nowMs  func() int64
	events chan repositories.TranscriptEvent

	mu          sync.Mutex
	closed      bool
	totalBytes  int
	interimSent bool
}

func (m *mockRecognitionStream) Push(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("recognition stream is closed")
	}
	m.totalBytes += len(data)

	if !m.interimSent && m.totalBytes > 1000 {
		m.interimSent = true
		m.events <- repositories.TranscriptEvent{
			Text:        m.transcript(),
			TimestampMs: m.nowMs(),
		}
	}
	return nil
}

func (m *mockRecognitionStream) Events() <-chan repositories.TranscriptEvent {
	return m.events
}

func (m *mockRecognitionStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if m.totalBytes > 0 {
		m.events <- repositories.TranscriptEvent{
			Text:        m.transcript(),
			Final:       true,
			Endpoint:    true,
			TimestampMs: m.nowMs(),
		}
	}
	close(m.events)
	return nil
}

// transcript varies with cumulative audio size so tests can steer it.
func (m *mockRecognitionStream) transcript() string {
	switch {
	case m.totalBytes > 10000:
		return "Could you walk me through what happened on the last call?"
	case m.totalBytes > 5000:
		return "Thanks, that makes sense."
	case m.totalBytes > 1000:
		return "Hello there!"
	default:
		return "Hi"
	}
}
