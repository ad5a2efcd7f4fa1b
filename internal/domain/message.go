package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message authored by the human user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the AI agent.
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn in a conversation. The ID is assigned by the store on
// insert; messages are never mutated after creation and are deleted only
// together with their conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
