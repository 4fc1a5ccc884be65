package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/repositories"
)

// GoogleSpeechRecognizer implements SpeechRecognizer against Google Cloud
// Speech-to-Text streaming recognition. Interim results are forwarded so the
// turn detector sees speech as it happens, and the end-of-utterance signal
// becomes an endpoint event.
type GoogleSpeechRecognizer struct {
	logger *zap.Logger
	nowMs  func() int64
}

// NewGoogleSpeechRecognizer creates a recognizer. nowMs supplies the
// session-relative timestamps stamped onto transcript events.
func NewGoogleSpeechRecognizer(nowMs func() int64, logger *zap.Logger) *GoogleSpeechRecognizer {
	return &GoogleSpeechRecognizer{
		logger: logger,
		nowMs:  nowMs,
	}
}

func (g *GoogleSpeechRecognizer) InitStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("unsupported audio encoding: %s", config.Encoding)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:        encoding,
		SampleRateHertz: int32(config.SampleRate),
		LanguageCode:    config.Language,
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          recognitionConfig,
				InterimResults:  true,
				SingleUtterance: false,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	rs := &googleRecognitionStream{
		client: client,
		stream: stream,
		logger: g.logger,
		nowMs:  g.nowMs,
		events: make(chan repositories.TranscriptEvent, 16),
	}
	go rs.receiveResults()

	return rs, nil
}

type googleRecognitionStream struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	logger *zap.Logger
	nowMs  func() int64
	events chan repositories.TranscriptEvent

	mu     sync.Mutex
	closed bool
}

// Push forwards one audio chunk to the recognizer.
func (g *googleRecognitionStream) Push(data []byte) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("recognition stream is closed")
	}
	g.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Events returns the transcript event channel. It closes when the upstream
// stream ends or Close is called.
func (g *googleRecognitionStream) Events() <-chan repositories.TranscriptEvent {
	return g.events
}

// Close ends the audio stream; the receiver drains remaining results and
// then closes the event channel.
func (g *googleRecognitionStream) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if err := g.stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send stream: %w", err)
	}
	return nil
}

func (g *googleRecognitionStream) receiveResults() {
	defer close(g.events)
	defer g.client.Close()

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			g.logger.Error("Speech recognition receive failed", zap.Error(err))
			return
		}

		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			g.events <- repositories.TranscriptEvent{
				Endpoint:    true,
				TimestampMs: g.nowMs(),
			}
			continue
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			g.events <- repositories.TranscriptEvent{
				Text:        result.Alternatives[0].Transcript,
				Final:       result.IsFinal,
				Endpoint:    result.IsFinal,
				TimestampMs: g.nowMs(),
			}
		}
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
