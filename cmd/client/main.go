// Command client is a manual test harness for the orchestrator: it creates
// a session over HTTP, attaches to the websocket, streams a PCM file as the
// user utterance, and saves the synthesized reply audio.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
)

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func main() {
	host := flag.String("host", "localhost:8080", "orchestrator host:port")
	audioPath := flag.String("audio", "", "16kHz LINEAR16 PCM file to stream as the utterance")
	flag.Parse()

	sessionID, token, err := createSession(*host)
	if err != nil {
		log.Fatal("failed to create session:", err)
	}
	log.Printf("Created session %s", sessionID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	log.Printf("connecting to %s", u.Host+u.Path)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	done := make(chan struct{})
	go handleIncomingMessages(c, sessionID, done)

	speakUtterance(c, *audioPath)

	select {
	case <-done:
		return
	case <-interrupt:
		log.Println("interrupt")
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			log.Println("write close:", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return
	}
}

func createSession(host string) (string, string, error) {
	resp, err := http.Post("http://"+host+"/api/v1/sessions", "application/json", bytes.NewBufferString("{}"))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("session creation refused: %s", string(body))
	}

	var created createSessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", "", err
	}
	return created.SessionID, created.Token, nil
}

// speakUtterance plays one user turn: speech_start, the audio itself, then
// the endpoint that hands the turn to the agent.
func speakUtterance(c *websocket.Conn, audioPath string) {
	start := time.Now()

	sendVoiceEvent(c, "speech_start", 0)
	time.Sleep(100 * time.Millisecond)

	audio := loadAudio(audioPath)
	chunkSize := 3200 // 100ms of 16kHz LINEAR16
	totalChunks := (len(audio) + chunkSize - 1) / chunkSize
	log.Printf("Sending %d audio chunks (%d bytes)", totalChunks, len(audio))

	for i := 0; i < len(audio); i += chunkSize {
		end := i + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := c.WriteMessage(websocket.BinaryMessage, audio[i:end]); err != nil {
			log.Printf("Error sending audio chunk: %v", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	sendVoiceEvent(c, "endpoint", time.Since(start).Milliseconds())
	log.Println("Utterance sent, waiting for the agent to speak...")
}

func loadAudio(path string) []byte {
	if path == "" {
		// Two seconds of silence keeps the harness usable without a
		// recording; the mock recognizer still produces a transcript.
		return make([]byte, 2*16000*2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading audio file %s: %v", path, err)
	}
	return data
}

func sendVoiceEvent(c *websocket.Conn, event string, timestampMs int64) {
	msg := map[string]interface{}{
		"type":         "voice_event",
		"event":        event,
		"timestamp_ms": timestampMs,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal voice event: %v", err)
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("Error sending %s: %v", event, err)
	}
}

func handleIncomingMessages(c *websocket.Conn, sessionID string, done chan struct{}) {
	defer close(done)
	var audioFile *os.File
	var speakingStart time.Time
	var audioChunkCount, frameCount int

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			log.Println("read:", err)
			return
		}

		if messageType == websocket.BinaryMessage {
			audioChunkCount++
			if audioFile != nil {
				if _, err := audioFile.Write(message); err != nil {
					log.Printf("Error writing audio chunk: %v", err)
				}
			}
			continue
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Println("unmarshal error:", err)
			continue
		}

		msgType, _ := msg["type"].(string)
		switch msgType {
		case "transcript":
			final, _ := msg["final"].(bool)
			log.Printf("Transcript (final=%v): %v", final, msg["text"])
		case "speaking_start":
			speakingStart = time.Now()
			audioChunkCount = 0
			frameCount = 0
			dir := "reply_audio"
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Printf("Error creating reply directory: %v", err)
				return
			}
			name := filepath.Join(dir, fmt.Sprintf("%s_%d.pcm", sessionID, time.Now().Unix()))
			audioFile, err = os.Create(name)
			if err != nil {
				log.Printf("Error creating reply file: %v", err)
				return
			}
			log.Printf("Agent started speaking, saving to %s", name)
		case "speaking_end":
			interrupted, _ := msg["interrupted"].(bool)
			log.Printf("Agent finished speaking (interrupted=%v) after %v: %d audio chunks, %d frames",
				interrupted, time.Since(speakingStart), audioChunkCount, frameCount)
			if audioFile != nil {
				audioFile.Close()
				audioFile = nil
			}
		case "frame":
			frameCount++
		case "status":
			log.Printf("Server status: level=%v", msg["level"])
		case "error":
			log.Printf("Server error: %v (%v)", msg["error_code"], msg["message"])
		default:
			log.Printf("Received message: %s", string(message))
		}
	}
}
