package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/adapters/llm"
	"github.com/vocalisai/vocalis/adapters/stt"
	"github.com/vocalisai/vocalis/adapters/tts"
	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/config"
	"github.com/vocalisai/vocalis/internal/session"
	"github.com/vocalisai/vocalis/internal/turn"
	"github.com/vocalisai/vocalis/usecase"
)

func newTestClient(t *testing.T) (*Client, *Hub) {
	t.Helper()
	settings := config.Default()
	logger := zap.NewNop()
	audioClock := clock.NewAudioClock()
	sessions := session.NewManager(settings, audioClock, nil, nil, "", logger)
	sess := sessions.CreateSession()
	if sess == nil {
		t.Fatal("CreateSession returned nil")
	}

	model := llm.NewMockLanguageModel()
	pipeline := usecase.NewTurnPipeline(model, tts.NewMockSynthesizer(), nil, nil, audioClock, settings, logger)
	recognizer := stt.NewMockSpeechRecognizer(func() int64 { return audioClock.NowMs(sess.ID) }, logger)
	hub := NewHub(sessions, pipeline, recognizer, nil, settings, logger)

	client := &Client{
		hub:    hub,
		send:   make(chan WriteData, 64),
		sess:   sess,
		logger: logger,
	}
	return client, hub
}

// makeDeadline returns a poll step that reports true once two seconds have
// elapsed.
func makeDeadline() func() bool {
	deadline := time.Now().Add(2 * time.Second)
	return func() bool {
		time.Sleep(5 * time.Millisecond)
		return time.Now().After(deadline)
	}
}

func drainText(t *testing.T, client *Client) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for {
		select {
		case data := <-client.send:
			if data.Type != websocket.TextMessage {
				continue
			}
			var m map[string]interface{}
			if err := json.Unmarshal(data.Payload, &m); err != nil {
				t.Fatalf("Malformed outbound JSON: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestTurnOutputMarshalling(t *testing.T) {
	client, _ := newTestClient(t)

	client.SendTranscript("hello world", true)
	client.SendSpeakingStart()
	client.SendAudioChunk([]byte{1, 2, 3})
	client.SendFrame(entities.BlendshapeFrame{TimestampMs: 42, Weights: []float64{0.5, 0.1}})
	client.SendSpeakingEnd(false)

	var binary int
	var types []string
	for {
		select {
		case data := <-client.send:
			if data.Type == websocket.BinaryMessage {
				binary++
				continue
			}
			var m map[string]interface{}
			if err := json.Unmarshal(data.Payload, &m); err != nil {
				t.Fatalf("Malformed outbound JSON: %v", err)
			}
			types = append(types, m["type"].(string))
		default:
			goto done
		}
	}
done:
	if binary != 1 {
		t.Errorf("Expected 1 binary audio frame, got %d", binary)
	}
	want := []string{"transcript", "speaking_start", "frame", "speaking_end"}
	if len(types) != len(want) {
		t.Fatalf("Expected %d text frames, got %d (%v)", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Frame %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestProcessMessageRejectsGarbage(t *testing.T) {
	client, _ := newTestClient(t)

	client.processMessage([]byte(`{"type":"nonsense"}`))

	msgs := drainText(t, client)
	if len(msgs) != 1 || msgs[0]["type"] != "error" {
		t.Fatalf("Expected one error message, got %v", msgs)
	}
}

func TestProcessMessagePingPong(t *testing.T) {
	client, _ := newTestClient(t)

	client.processMessage([]byte(`{"type":"ping","data":"x"}`))

	msgs := drainText(t, client)
	if len(msgs) != 1 || msgs[0]["type"] != "pong" {
		t.Fatalf("Expected pong, got %v", msgs)
	}
}

func TestVoiceEventDrivesDetector(t *testing.T) {
	client, _ := newTestClient(t)

	client.processMessage([]byte(`{"type":"voice_event","event":"speech_start","timestamp_ms":50}`))
	if client.sess.Detector().State() != turn.StateListening {
		t.Errorf("Expected detector listening, got %s", client.sess.Detector().State())
	}
	if client.sess.StateMachine().State() != session.StateListening {
		t.Errorf("Expected session listening, got %s", client.sess.StateMachine().State())
	}
}

func TestEndpointClosesRecognitionAndRunsTurn(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.initRecognition(); err != nil {
		t.Fatalf("initRecognition failed: %v", err)
	}

	client.processMessage([]byte(`{"type":"voice_event","event":"speech_start","timestamp_ms":10}`))
	// Enough audio for the mock recognizer to produce a transcript.
	client.processAudioChunk(make([]byte, 2000))
	client.processMessage([]byte(`{"type":"voice_event","event":"endpoint","timestamp_ms":900}`))

	// The mock recognizer emits the final transcript synchronously on
	// close; wait for the turn to run by polling the metrics.
	deadline := makeDeadline()
	for client.sess.Metrics().TurnCount == 0 {
		if deadline() {
			t.Fatal("Turn never completed after endpoint")
		}
	}

	if client.sess.StateMachine().State() != session.StateListening {
		t.Errorf("Expected listening after turn, got %s", client.sess.StateMachine().State())
	}
}

func TestEmptyUtteranceRearmsRecognition(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.initRecognition(); err != nil {
		t.Fatalf("initRecognition failed: %v", err)
	}

	client.mutex.Lock()
	first := client.recognition
	client.mutex.Unlock()

	// Endpoint with no audio: the stream closes without a final
	// transcript and no turn runs, so nothing downstream re-arms.
	client.processMessage([]byte(`{"type":"voice_event","event":"speech_start","timestamp_ms":10}`))
	client.processMessage([]byte(`{"type":"voice_event","event":"endpoint","timestamp_ms":500}`))

	deadline := makeDeadline()
	for {
		client.mutex.Lock()
		current := client.recognition
		client.mutex.Unlock()
		if current != nil && current != first {
			break
		}
		if deadline() {
			t.Fatal("Recognition never re-armed after empty utterance")
		}
	}

	// The next utterance must still open and complete a turn.
	client.processAudioChunk(make([]byte, 2000))
	client.processMessage([]byte(`{"type":"voice_event","event":"endpoint","timestamp_ms":900}`))

	deadline = makeDeadline()
	for client.sess.Metrics().TurnCount == 0 {
		if deadline() {
			t.Fatal("Turn never completed after re-armed recognition")
		}
	}
}

func TestNoRearmAfterConnectionTeardown(t *testing.T) {
	client, _ := newTestClient(t)
	client.closeRecognition()

	if err := client.initRecognition(); err != nil {
		t.Fatalf("initRecognition failed: %v", err)
	}
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.recognition != nil {
		t.Error("Expected no recognition stream after teardown")
	}
}

func TestControlEndSession(t *testing.T) {
	client, hub := newTestClient(t)

	if hub.sessions.ActiveCount() != 1 {
		t.Fatalf("Expected 1 active session, got %d", hub.sessions.ActiveCount())
	}
	client.handleControl(&ControlMessage{Action: ControlActionEndSession})
	if hub.sessions.ActiveCount() != 0 {
		t.Errorf("Expected session ended, got %d active", hub.sessions.ActiveCount())
	}
}
