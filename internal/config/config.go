package config

import (
	"os"
	"strconv"
	"time"
)

// Settings holds every tunable of the orchestrator. Values come from
// environment variables with hard defaults; cmd/main loads a dotenv file
// before calling FromEnv.
type Settings struct {
	// Port the HTTP/WebSocket server listens on.
	Port string
	// JWTSecret signs session tokens.
	JWTSecret string

	// SessionCapacity is the hard cap on concurrent sessions.
	SessionCapacity int

	// TTFATargetMs is the p95 time-to-first-audio contract.
	TTFATargetMs int64
	// InterruptionBudget bounds the cancellation fan-out join.
	InterruptionBudget time.Duration
	// EndpointBudget is the endpoint-detection latency budget; exceeding
	// it is observed, not enforced.
	EndpointBudget time.Duration
	// TurnTimeout is the hard per-turn deadline before the turn is
	// abandoned and the session forced back to listening.
	TurnTimeout time.Duration
	// SummarizeTimeout bounds the rollover summarization call.
	SummarizeTimeout time.Duration

	// ContextTokenCap is the hard context-window budget; RolloverThreshold
	// is the soft threshold at which rollover runs.
	ContextTokenCap   int
	RolloverThreshold int

	// MaxResponseTokens caps one reply; backpressure may lower it further.
	MaxResponseTokens int

	// HistoryLimit bounds the per-session transition history kept for
	// diagnostics.
	HistoryLimit int

	// BackpressureInterval is the metrics evaluation period.
	BackpressureInterval time.Duration
}

// Default returns the settings used when no environment overrides are set.
func Default() Settings {
	return Settings{
		Port:                 "8080",
		JWTSecret:            "",
		SessionCapacity:      20,
		TTFATargetMs:         250,
		InterruptionBudget:   150 * time.Millisecond,
		EndpointBudget:       15 * time.Millisecond,
		TurnTimeout:          500 * time.Millisecond,
		SummarizeTimeout:     5 * time.Second,
		ContextTokenCap:      2048,
		RolloverThreshold:    1536,
		MaxResponseTokens:    512,
		HistoryLimit:         50,
		BackpressureInterval: time.Second,
	}
}

// FromEnv builds settings from the environment on top of the defaults.
func FromEnv() Settings {
	s := Default()
	if v := os.Getenv("PORT"); v != "" {
		s.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		s.JWTSecret = v
	}
	s.SessionCapacity = envInt("SESSION_CAPACITY", s.SessionCapacity)
	s.TTFATargetMs = int64(envInt("TTFA_TARGET_MS", int(s.TTFATargetMs)))
	s.InterruptionBudget = envDurationMs("INTERRUPTION_BUDGET_MS", s.InterruptionBudget)
	s.EndpointBudget = envDurationMs("ENDPOINT_BUDGET_MS", s.EndpointBudget)
	s.TurnTimeout = envDurationMs("TURN_TIMEOUT_MS", s.TurnTimeout)
	s.SummarizeTimeout = envDurationMs("SUMMARIZE_TIMEOUT_MS", s.SummarizeTimeout)
	s.ContextTokenCap = envInt("CONTEXT_TOKEN_CAP", s.ContextTokenCap)
	s.RolloverThreshold = envInt("CONTEXT_ROLLOVER_THRESHOLD", s.RolloverThreshold)
	s.MaxResponseTokens = envInt("MAX_RESPONSE_TOKENS", s.MaxResponseTokens)
	s.HistoryLimit = envInt("TRANSITION_HISTORY_LIMIT", s.HistoryLimit)
	s.BackpressureInterval = envDurationMs("BACKPRESSURE_INTERVAL_MS", s.BackpressureInterval)
	return s
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
