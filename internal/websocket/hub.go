package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/domain/entities"
	"github.com/vocalisai/vocalis/domain/repositories"
	"github.com/vocalisai/vocalis/internal/backpressure"
	"github.com/vocalisai/vocalis/internal/cancellation"
	"github.com/vocalisai/vocalis/internal/config"
	"github.com/vocalisai/vocalis/internal/session"
	"github.com/vocalisai/vocalis/internal/turn"
	"github.com/vocalisai/vocalis/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains the set of connected clients, one per session.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	sessions   *session.Manager
	pipeline   *usecase.TurnPipeline
	recognizer repositories.SpeechRecognizer
	bp         *backpressure.Controller
	settings   config.Settings

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub. bp may be nil.
func NewHub(
	sessions *session.Manager,
	pipeline *usecase.TurnPipeline,
	recognizer repositories.SpeechRecognizer,
	bp *backpressure.Controller,
	settings config.Settings,
	logger *zap.Logger,
) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sessions:   sessions,
		pipeline:   pipeline,
		recognizer: recognizer,
		bp:         bp,
		settings:   settings,
		logger:     logger,
	}
	if bp != nil {
		bp.OnLevelChange(func(level backpressure.Level, knobs backpressure.Knobs) {
			h.broadcastStatus(level)
		})
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.sess.ID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("sessionID", client.sess.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.sess.ID]; ok {
				delete(h.clients, client.sess.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("sessionID", client.sess.ID))
		}
	}
}

// broadcastStatus pushes the current backpressure level to every client.
func (h *Hub) broadcastStatus(level backpressure.Level) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		payload, _ := json.Marshal(&StatusMessage{
			BaseMessage: BaseMessage{Type: MessageTypeStatus, Timestamp: time.Now().Format(time.RFC3339)},
			SessionID:   id,
			Level:       level.String(),
		})
		client.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
	}
}

// WriteData is one outbound websocket frame.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type    int
	Payload []byte
}

// Client is the middleman between one websocket connection and its session.
// It implements usecase.TurnOutput so the pipeline can stream straight to
// the wire.
type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan WriteData

	sess *session.Session

	logger *zap.Logger

	// recognition is the speech stream for the current utterance; it is
	// replaced after each endpoint. closed is set on connection teardown
	// and stops any further re-arming.
	mutex       sync.Mutex
	recognition repositories.RecognitionStream
	closed      bool
}

// HandleWebSocket attaches an upgraded connection to the session named by
// the validated token.
func HandleWebSocket(hub *Hub, c echo.Context, sessionID string, logger *zap.Logger) error {
	sess, ok := hub.sessions.GetSession(sessionID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown session")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, 256),
		sess:   sess,
		logger: logger,
	}

	if err := client.initRecognition(); err != nil {
		logger.Error("Failed to start speech recognition",
			zap.String("sessionID", sess.ID),
			zap.Error(err))
		conn.Close()
		return err
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return nil
}

// initRecognition opens a fresh recognition stream and starts draining its
// events. Called once per utterance.
func (c *Client) initRecognition() error {
	ctx := context.Background()
	stream, err := c.hub.recognizer.InitStreaming(ctx, repositories.AudioConfig{
		SampleRate: 16000,
		Encoding:   "LINEAR16",
		Language:   "en-US",
	})
	if err != nil {
		return err
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		stream.Close() //nolint:errcheck
		return nil
	}
	c.recognition = stream
	c.mutex.Unlock()

	go c.consumeTranscripts(stream)
	return nil
}

// consumeTranscripts turns recognition events into detector input and turn
// starts. The final transcript of an utterance opens the turn.
func (c *Client) consumeTranscripts(stream repositories.RecognitionStream) {
	turnStarted := false
	for ev := range stream.Events() {
		switch {
		case ev.Text != "" && !ev.Final:
			c.SendTranscript(ev.Text, false)

		case ev.Final && ev.Text != "":
			c.sess.HandleVoiceEvent(turn.VoiceEvent{
				Type:        turn.EventEndpoint,
				TimestampMs: ev.TimestampMs,
			})
			if _, active := c.sess.CurrentTurn(); active &&
				c.sess.State() == session.StateThinking {
				turnStarted = true
				go c.runTurn(ev.Text)
			}

		case ev.Endpoint:
			// Endpoint without text: the utterance was empty noise.
			c.sess.ResetListening("empty_utterance")
		}
	}

	// The stream drained without opening a turn, so runTurn will never
	// re-arm recognition. Re-arm here or the session goes deaf after an
	// empty utterance.
	if !turnStarted {
		if err := c.initRecognition(); err != nil {
			c.logger.Error("Failed to restart speech recognition",
				zap.String("sessionID", c.sess.ID),
				zap.Error(err))
		}
	}
}

// runTurn executes the pipeline for one final transcript, then re-arms
// recognition for the next utterance.
func (c *Client) runTurn(transcript string) {
	if err := c.hub.pipeline.ProcessTurn(context.Background(), c.sess, transcript, c); err != nil {
		c.logger.Error("Turn failed",
			zap.String("sessionID", c.sess.ID),
			zap.Error(err))
		c.sendError("turn_failed", "could not process your request")
	}
	if err := c.initRecognition(); err != nil {
		c.logger.Error("Failed to restart speech recognition",
			zap.String("sessionID", c.sess.ID),
			zap.Error(err))
	}
}

// readPump pumps messages from the websocket connection into the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.closeRecognition()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage handles one inbound JSON message.
func (c *Client) processMessage(message []byte) {
	parsed, err := ParseInbound(message)
	if err != nil {
		c.logger.Warn("Rejected inbound message",
			zap.String("sessionID", c.sess.ID),
			zap.Error(err))
		c.sendError("bad_message", err.Error())
		return
	}

	switch msg := parsed.(type) {
	case *VoiceEventMessage:
		c.handleVoiceEvent(msg)
	case *ControlMessage:
		c.handleControl(msg)
	case *PingMessage:
		payload, _ := json.Marshal(CreatePongMessage(msg.Data))
		c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
	}
}

// handleVoiceEvent maps client VAD decisions onto the turn detector.
func (c *Client) handleVoiceEvent(msg *VoiceEventMessage) {
	switch msg.Event {
	case VoiceEventSpeechStart:
		c.sess.HandleVoiceEvent(turn.VoiceEvent{
			Type:        turn.EventSpeechStart,
			TimestampMs: msg.TimestampMs,
		})
	case VoiceEventEndpoint:
		// Close the recognition stream so it flushes the final
		// transcript; the transcript event opens the turn.
		c.mutex.Lock()
		stream := c.recognition
		c.mutex.Unlock()
		if stream != nil {
			if err := stream.Close(); err != nil {
				c.logger.Warn("Failed to close recognition stream",
					zap.String("sessionID", c.sess.ID),
					zap.Error(err))
			}
		}
	}
}

func (c *Client) handleControl(msg *ControlMessage) {
	switch msg.Action {
	case ControlActionCancel:
		c.sess.AbandonTurn(cancellation.ReasonUserStop)
	case ControlActionEndSession:
		c.hub.sessions.EndSession(c.sess.ID)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// processAudioChunk forwards binary microphone audio to the recognizer.
func (c *Client) processAudioChunk(data []byte) {
	c.mutex.Lock()
	stream := c.recognition
	c.mutex.Unlock()

	if stream == nil {
		c.logger.Warn("Audio chunk with no recognition stream",
			zap.String("sessionID", c.sess.ID))
		return
	}
	if err := stream.Push(data); err != nil {
		c.logger.Error("Failed to stream audio data",
			zap.String("sessionID", c.sess.ID),
			zap.Error(err))
	}
}

func (c *Client) closeRecognition() {
	c.mutex.Lock()
	c.closed = true
	stream := c.recognition
	c.recognition = nil
	c.mutex.Unlock()
	if stream != nil {
		stream.Close() //nolint:errcheck
	}
}

// trySend queues a frame without blocking the event path; a slow consumer
// drops frames rather than stalling the turn.
func (c *Client) trySend(data WriteData) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Dropping frame for slow client",
			zap.String("sessionID", c.sess.ID))
	}
}

func (c *Client) sendError(code, message string) {
	payload, _ := json.Marshal(CreateErrorMessage(code, message))
	c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// SendTranscript implements usecase.TurnOutput.
func (c *Client) SendTranscript(text string, final bool) {
	payload, _ := json.Marshal(&TranscriptMessage{
		BaseMessage: BaseMessage{Type: MessageTypeTranscript, Timestamp: time.Now().Format(time.RFC3339)},
		SessionID:   c.sess.ID,
		Text:        text,
		Final:       final,
	})
	c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// SendSpeakingStart implements usecase.TurnOutput.
func (c *Client) SendSpeakingStart() {
	payload, _ := json.Marshal(&SpeakingMessage{
		BaseMessage: BaseMessage{Type: MessageTypeSpeakingStart, Timestamp: time.Now().Format(time.RFC3339)},
		SessionID:   c.sess.ID,
	})
	c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// SendAudioChunk implements usecase.TurnOutput. Audio goes out as binary
// frames to avoid base64 overhead on the hot path.
func (c *Client) SendAudioChunk(chunk []byte) {
	c.trySend(WriteData{Type: websocket.BinaryMessage, Payload: chunk})
}

// SendFrame implements usecase.TurnOutput.
func (c *Client) SendFrame(frame entities.BlendshapeFrame) {
	payload, _ := json.Marshal(&FrameMessage{
		BaseMessage: BaseMessage{Type: MessageTypeFrame},
		SessionID:   c.sess.ID,
		TimestampMs: frame.TimestampMs,
		Weights:     frame.Weights,
	})
	c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// SendSpeakingEnd implements usecase.TurnOutput.
func (c *Client) SendSpeakingEnd(interrupted bool) {
	payload, _ := json.Marshal(&SpeakingMessage{
		BaseMessage: BaseMessage{Type: MessageTypeSpeakingEnd, Timestamp: time.Now().Format(time.RFC3339)},
		SessionID:   c.sess.ID,
		Interrupted: interrupted,
	})
	c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
}
