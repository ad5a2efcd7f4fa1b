// Package domain contains core domain types for the chat application.
package domain

import (
	"strings"
	"time"
)

// TitleMaxLen is the maximum conversation title length derived from a message.
const TitleMaxLen = 50

// DefaultTitle is used for conversations created before any message exists.
const DefaultTitle = "New Chat"

// Conversation is a titled, timestamped thread of messages owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// DeriveTitle builds a conversation title from the first user message.
// The title is the first TitleMaxLen characters of the trimmed content,
// with "..." appended when the content was truncated.
func DeriveTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return DefaultTitle
	}
	runes := []rune(content)
	if len(runes) <= TitleMaxLen {
		return content
	}
	return string(runes[:TitleMaxLen]) + "..."
}
