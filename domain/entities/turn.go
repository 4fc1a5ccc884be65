package entities

// Turn records one conversational exchange: user speech end through the
// completion of the agent's spoken reply. All timestamps are session-relative
// milliseconds from the audio clock.
type Turn struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// StartMs is the endpoint-detection timestamp that opens the turn and
	// the origin of the time-to-first-audio measurement.
	StartMs int64 `json:"start_ms"`
	// FirstAudioMs is the timestamp of the first synthesized audio byte,
	// zero until one is produced.
	FirstAudioMs int64 `json:"first_audio_ms,omitempty"`
	EndMs        int64 `json:"end_ms,omitempty"`
	// TTFAMs is FirstAudioMs - StartMs once both are known.
	TTFAMs     int64  `json:"ttfa_ms,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Response   string `json:"response,omitempty"`
	// Interrupted marks a turn cut short by user barge-in.
	Interrupted bool `json:"interrupted,omitempty"`
}

// BlendshapeFrame is one facial-animation frame derived from synthesized audio.
type BlendshapeFrame struct {
	TimestampMs int64     `json:"timestamp_ms"`
	Weights     []float64 `json:"weights"`
}
