package repositories

import "context"

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// TranscriptEvent is one recognizer callback: a partial or final transcript,
// and/or an end-of-utterance endpoint signal.
type TranscriptEvent struct {
	Text string `json:"text"`
	// Final marks Text as a committed transcript rather than a partial.
	Final bool `json:"final"`
	// Endpoint marks the recognizer's end-of-user-speech decision.
	Endpoint bool `json:"endpoint"`
	// TimestampMs is session-relative, assigned by the caller's clock when
	// the event is observed.
	TimestampMs int64 `json:"timestamp_ms"`
}

// SpeechRecognizer abstracts streaming speech recognition services.
type SpeechRecognizer interface {
	// InitStreaming opens a streaming recognition session.
	InitStreaming(ctx context.Context, config AudioConfig) (RecognitionStream, error)
}

// RecognitionStream is one live recognition session: raw audio is pushed in,
// transcript and endpoint events come back on Events.
type RecognitionStream interface {
	// Push feeds raw audio to the recognizer.
	Push(data []byte) error
	// Events delivers transcript and endpoint events. Closed when the
	// stream ends.
	Events() <-chan TranscriptEvent
	// Close tears the stream down. Idempotent.
	Close() error
}
