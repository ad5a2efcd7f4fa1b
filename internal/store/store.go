// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/klyao/agentchat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting conversations and messages.
// Failures are surfaced with the underlying cause; no operation retries
// automatically — the caller decides whether to retry or report.
type Repository interface {
	// CreateConversation creates a conversation for the user and returns it.
	CreateConversation(ctx context.Context, userID, title string) (*domain.Conversation, error)

	// GetConversation retrieves a conversation by id.
	// Returns ErrNotFound when no such conversation exists.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations ordered by creation
	// time descending. A non-empty query filters titles by substring match.
	ListConversations(ctx context.Context, userID, query string) ([]*domain.Conversation, error)

	// LoadMessages returns all messages of a conversation ordered by creation
	// time ascending (insertion order breaks ties).
	LoadMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// AppendMessage inserts a message and returns the stored row. When a user
	// message is appended to a conversation with no prior messages, the
	// conversation title is re-derived from that message's content.
	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string) (*domain.Message, error)

	// RenameConversation updates a conversation's title.
	RenameConversation(ctx context.Context, id, title string) error

	// DeleteConversation removes a conversation and, transitively, its messages.
	DeleteConversation(ctx context.Context, id string) error

	// GetUser retrieves a user by id. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
