package api

import "time"

// CreateSessionRequest represents the request payload for session creation
type CreateSessionRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

// CreateSessionResponse represents the response payload for session creation
type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionMetricsResponse reports one session's live state and turn
// statistics.
type SessionMetricsResponse struct {
	SessionID         string  `json:"session_id"`
	State             string  `json:"state"`
	TurnCount         int64   `json:"turn_count"`
	InterruptionCount int64   `json:"interruption_count"`
	MinTTFAMs         int64   `json:"min_ttfa_ms"`
	MaxTTFAMs         int64   `json:"max_ttfa_ms"`
	AvgTTFAMs         float64 `json:"avg_ttfa_ms"`
}

// StatusResponse reports server-wide load and the current degradation
// level.
type StatusResponse struct {
	ActiveSessions  int    `json:"active_sessions"`
	SessionCapacity int    `json:"session_capacity"`
	Level           string `json:"level"`
}

// TryLaterResponse tells a caller the server is full or shedding load.
// It is an ordinary outcome, not an error: retry after the given delay.
type TryLaterResponse struct {
	Reason        string `json:"reason"`
	QueuePosition int    `json:"queue_position,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
