package repositories

import "context"

// SpeechSynthesizer abstracts a streaming text-to-speech provider.
type SpeechSynthesizer interface {
	// SynthesizeStream consumes reply text tokens and returns a channel of
	// raw audio chunks. The channel is closed when synthesis finishes or
	// is cancelled.
	SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error)
	// Cancel stops any in-flight synthesis. Must return quickly; it is
	// called from the interruption path.
	Cancel()
}
