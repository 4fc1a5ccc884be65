package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/domain/repositories"
)

func TestValidateGeminiConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GeminiConfig
		wantErr bool
	}{
		{"valid minimal", GeminiConfig{APIKey: "key"}, false},
		{"missing api key", GeminiConfig{}, true},
		{"temperature too high", GeminiConfig{APIKey: "key", Temperature: 1.5}, true},
		{"negative topP", GeminiConfig{APIKey: "key", TopP: -0.1}, true},
		{"negative topK", GeminiConfig{APIKey: "key", TopK: -1}, true},
		{"negative maxTokens", GeminiConfig{APIKey: "key", MaxTokens: -10}, true},
		{"valid full", GeminiConfig{APIKey: "key", Temperature: 0.9, TopP: 0.8, TopK: 20, MaxTokens: 256}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGeminiConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGeminiConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveTemperature(t *testing.T) {
	tests := []struct {
		name      string
		base      float32
		verbosity float64
		want      float32
	}{
		{"no verbosity hint", 0.8, 0, 0.8},
		{"full verbosity", 0.8, 1.0, 0.8},
		{"half verbosity cools sampling", 0.8, 0.5, 0.4},
		{"over one ignored", 0.8, 1.5, 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := effectiveTemperature(tt.base, tt.verbosity)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("effectiveTemperature(%v, %v) = %v, want %v", tt.base, tt.verbosity, got, tt.want)
			}
		})
	}
}

func TestMockStreamDeliversWholeReply(t *testing.T) {
	m := NewMockLanguageModel()
	m.Reply = "one two three"

	history := []entities.Message{entities.NewMessage(entities.RoleUser, "count")}
	stream, err := m.GenerateStream(context.Background(), history, repositories.GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}

	var sb strings.Builder
	for chunk := range stream {
		sb.WriteString(chunk)
	}
	if got := strings.TrimSpace(sb.String()); got != "one two three" {
		t.Errorf("Streamed reply = %q, want %q", got, "one two three")
	}
}

func TestMockStreamAbort(t *testing.T) {
	m := NewMockLanguageModel()
	m.Reply = strings.Repeat("word ", 1000)

	history := []entities.Message{entities.NewMessage(entities.RoleUser, "go")}
	stream, err := m.GenerateStream(context.Background(), history, repositories.GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}

	m.Abort()
	count := 0
	for range stream {
		count++
	}
	if count >= 1000 {
		t.Errorf("Expected abort to cut the stream short, got %d chunks", count)
	}
}

func TestMockStreamRejectsEmptyHistory(t *testing.T) {
	m := NewMockLanguageModel()
	if _, err := m.GenerateStream(context.Background(), nil, repositories.GenerateOptions{}); err == nil {
		t.Error("Expected error on empty history")
	}
}
