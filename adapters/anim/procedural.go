package anim

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/domain/repositories"
)

const (
	// weightCount matches the avatar's blendshape rig: jaw open, lip
	// pucker, mouth wide, and two smoothing channels.
	weightCount = 5

	// smoothing is the exponential moving average factor applied across
	// frames so the mouth does not flicker chunk to chunk.
	smoothing = 0.6
)

// ProceduralAnimator implements the Animator interface with an
// energy-driven procedural model: each audio chunk's RMS level drives the
// jaw-open weight, with neighbouring shapes derived from it. It exists so
// the pipeline produces visemes without a GPU inference service attached.
type ProceduralAnimator struct {
	logger   *zap.Logger
	nowMs    func() int64
	sampleHz int

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ repositories.Animator = (*ProceduralAnimator)(nil)

// NewProceduralAnimator creates an animator for 16-bit PCM input at the
// given sample rate. nowMs supplies frame timestamps.
func NewProceduralAnimator(sampleHz int, nowMs func() int64, logger *zap.Logger) *ProceduralAnimator {
	if sampleHz <= 0 {
		sampleHz = 24000
	}
	return &ProceduralAnimator{
		logger:   logger,
		nowMs:    nowMs,
		sampleHz: sampleHz,
	}
}

// GenerateFrames consumes synthesized audio chunks and emits one blendshape
// frame per chunk. The frame channel closes when the audio channel closes
// or Cancel is called.
func (a *ProceduralAnimator) GenerateFrames(ctx context.Context, audio <-chan []byte) (<-chan entities.BlendshapeFrame, error) {
	if audio == nil {
		return nil, fmt.Errorf("audio channel cannot be nil")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = cancel
	a.mu.Unlock()

	out := make(chan entities.BlendshapeFrame, 16)
	go func() {
		defer close(out)
		defer cancel()

		prev := make([]float64, weightCount)
		for {
			select {
			case <-streamCtx.Done():
				return
			case chunk, ok := <-audio:
				if !ok {
					// Close the mouth on the final frame.
					select {
					case out <- entities.BlendshapeFrame{
						TimestampMs: a.nowMs(),
						Weights:     make([]float64, weightCount),
					}:
					case <-streamCtx.Done():
					}
					return
				}
				frame := entities.BlendshapeFrame{
					TimestampMs: a.nowMs(),
					Weights:     a.weightsFor(chunk, prev),
				}
				copy(prev, frame.Weights)
				select {
				case out <- frame:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Cancel aborts frame generation; the frame channel closes shortly after.
func (a *ProceduralAnimator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// weightsFor maps one PCM chunk to smoothed blendshape weights.
func (a *ProceduralAnimator) weightsFor(chunk []byte, prev []float64) []float64 {
	level := rmsLevel(chunk)

	jaw := math.Min(1, level*3)
	weights := []float64{
		jaw,             // jaw open
		jaw * 0.4,       // lip pucker
		jaw * 0.25,      // mouth wide
		level,           // raw energy channel
		prev[0] * 0.5,   // decay of the previous jaw position
	}
	for i := range weights {
		weights[i] = prev[i]*smoothing + weights[i]*(1-smoothing)
	}
	return weights
}

// rmsLevel computes the normalized RMS of 16-bit little-endian PCM.
func rmsLevel(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}
	var sum float64
	n := len(chunk) / 2
	for i := 0; i < n; i++ {
		sample := int16(uint16(chunk[2*i]) | uint16(chunk[2*i+1])<<8)
		v := float64(sample) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
