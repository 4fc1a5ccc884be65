package repositories

import (
	"context"

	"github.com/vocalisai/vocalis/domain/entities"
)

// Animator abstracts a facial-animation (blendshape) generator driven by
// synthesized audio.
type Animator interface {
	// GenerateFrames consumes audio chunks and returns a channel of
	// blendshape frames. The channel is closed when the audio stream ends
	// or generation is cancelled.
	GenerateFrames(ctx context.Context, audio <-chan []byte) (<-chan entities.BlendshapeFrame, error)
	// Cancel stops any in-flight generation. Must return quickly.
	Cancel()
}
