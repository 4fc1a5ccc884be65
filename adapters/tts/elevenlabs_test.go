package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewElevenLabsTTS(t *testing.T) {
	logger := zaptest.NewLogger(t)

	os.Unsetenv("ELEVEN_LABS_API_KEY")
	config := NewElevenLabsConfigFromEnv()
	_, err := NewElevenLabsTTS(config, logger)
	if err == nil {
		t.Error("Expected error when API key is not set")
	}

	os.Setenv("ELEVEN_LABS_API_KEY", "test-api-key")
	defer os.Unsetenv("ELEVEN_LABS_API_KEY")

	config = NewElevenLabsConfigFromEnv()
	tts, err := NewElevenLabsTTS(config, logger)
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}

	if tts.apiKey != "test-api-key" {
		t.Errorf("Expected API key 'test-api-key', got '%s'", tts.apiKey)
	}
	if tts.voiceID != defaultVoiceID {
		t.Errorf("Expected default voice ID '%s', got '%s'", defaultVoiceID, tts.voiceID)
	}
}

func TestValidateElevenLabsConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  ElevenLabsConfig
		wantErr bool
	}{
		{"valid minimal", ElevenLabsConfig{APIKey: "key"}, false},
		{"missing api key", ElevenLabsConfig{}, true},
		{"stability too high", ElevenLabsConfig{APIKey: "key", Stability: 1.2}, true},
		{"clarity negative", ElevenLabsConfig{APIKey: "key", Clarity: -0.5}, true},
		{"negative chunk size", ElevenLabsConfig{APIKey: "key", ChunkSize: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateElevenLabsConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateElevenLabsConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSynthesizeStreamSegmentsAtSentences(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte{0x01, 0x02, 0x03, 0x04})
	}))
	defer server.Close()

	tts, err := NewElevenLabsTTS(ElevenLabsConfig{
		APIKey:     "test-api-key",
		APIBaseURL: server.URL,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}

	text := make(chan string)
	audio, err := tts.SynthesizeStream(context.Background(), text)
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}

	go func() {
		text <- "Hello "
		text <- "there. "
		text <- "How are "
		text <- "you today?"
		close(text)
	}()

	total := 0
	for chunk := range audio {
		total += len(chunk)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("Expected 2 API calls, one per sentence, got %d", got)
	}
	if total != 8 {
		t.Errorf("Expected 8 audio bytes total, got %d", total)
	}
}

func TestSynthesizeStreamCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	tts, err := NewElevenLabsTTS(ElevenLabsConfig{
		APIKey:     "test-api-key",
		APIBaseURL: server.URL,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}

	text := make(chan string)
	audio, err := tts.SynthesizeStream(context.Background(), text)
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}

	tts.Cancel()

	select {
	case _, open := <-audio:
		if open {
			// One buffered chunk may slip through; the channel must still
			// close promptly.
			for range audio {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Audio channel did not close after cancel")
	}
}

func TestSynthesizeStreamNilTextChannel(t *testing.T) {
	tts, err := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create ElevenLabsTTS: %v", err)
	}
	if _, err := tts.SynthesizeStream(context.Background(), nil); err == nil {
		t.Error("Expected error for nil text channel")
	}
}
