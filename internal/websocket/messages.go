package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types. Binary frames carry microphone audio and are not
// wrapped in JSON.
const (
	// Inbound
	MessageTypeVoiceEvent MessageType = "voice_event"
	MessageTypeControl    MessageType = "control"
	MessageTypePing       MessageType = "ping"

	// Outbound
	MessageTypeTranscript    MessageType = "transcript"
	MessageTypeSpeakingStart MessageType = "speaking_start"
	MessageTypeSpeakingEnd   MessageType = "speaking_end"
	MessageTypeFrame         MessageType = "frame"
	MessageTypeStatus        MessageType = "status"
	MessageTypeError         MessageType = "error"
	MessageTypePong          MessageType = "pong"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// VoiceEventMessage carries a client-side VAD decision: the user started
// speaking, or an endpoint was detected.
type VoiceEventMessage struct {
	BaseMessage
	Event       string `json:"event"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// ControlMessage carries session control actions.
type ControlMessage struct {
	BaseMessage
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// TranscriptMessage carries recognized user speech back to the client.
type TranscriptMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

// SpeakingMessage marks the start or end of the agent's spoken reply.
type SpeakingMessage struct {
	BaseMessage
	SessionID   string `json:"session_id"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// FrameMessage carries one blendshape animation frame.
type FrameMessage struct {
	BaseMessage
	SessionID   string    `json:"session_id"`
	TimestampMs int64     `json:"timestamp_ms"`
	Weights     []float64 `json:"weights"`
}

// StatusMessage reports backpressure level changes to the client.
type StatusMessage struct {
	BaseMessage
	SessionID     string `json:"session_id"`
	Level         string `json:"level"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

const (
	VoiceEventSpeechStart = "speech_start"
	VoiceEventEndpoint    = "endpoint"

	ControlActionCancel     = "cancel"
	ControlActionEndSession = "end_session"
)

// ParseInbound parses and validates one inbound text message.
func ParseInbound(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeVoiceEvent:
		var msg VoiceEventMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid voice event message: %w", err)
		}
		if msg.Event != VoiceEventSpeechStart && msg.Event != VoiceEventEndpoint {
			return nil, fmt.Errorf("event must be one of: %s, %s", VoiceEventSpeechStart, VoiceEventEndpoint)
		}
		if msg.TimestampMs < 0 {
			return nil, fmt.Errorf("timestamp_ms must not be negative")
		}
		return &msg, nil

	case MessageTypeControl:
		var msg ControlMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid control message: %w", err)
		}
		if msg.Action != ControlActionCancel && msg.Action != ControlActionEndSession {
			return nil, fmt.Errorf("action must be one of: %s, %s", ControlActionCancel, ControlActionEndSession)
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		Code:    code,
		Message: message,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePong,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		Data: data,
	}
}
