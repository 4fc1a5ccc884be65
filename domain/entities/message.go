package entities

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a session's conversation context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Tokens is the estimated token count for Content.
	Tokens int `json:"tokens"`
	// Pinned messages are never evicted during context rollover.
	Pinned bool `json:"pinned,omitempty"`
}

// EstimateTokens returns the heuristic token count for a piece of text:
// content length divided by four, with a floor of one.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// NewMessage builds a message with its token estimate filled in.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:    role,
		Content: content,
		Tokens:  EstimateTokens(content),
	}
}

// NewPinnedMessage builds a pinned message (system/persona content).
func NewPinnedMessage(role Role, content string) Message {
	m := NewMessage(role, content)
	m.Pinned = true
	return m
}
