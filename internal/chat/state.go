// Package chat implements the message-exchange orchestration: persisting
// turns, invoking the agent gateway, and reconciling the client-visible
// conversation state.
package chat

import (
	"sync"
	"time"

	"github.com/klyao/agentchat/internal/domain"
)

// EntryKind tags a view entry as optimistic or store-confirmed.
type EntryKind int

const (
	// EntryPending is a locally-applied message awaiting store confirmation.
	// Its id is a client-generated placeholder, never a store id.
	EntryPending EntryKind = iota
	// EntryConfirmed is a message read back from the store.
	EntryConfirmed
)

// Entry is one message in the view, tagged so reconciliation cannot confuse
// a temporary id with a store-assigned one.
type Entry struct {
	Kind    EntryKind      `json:"kind"`
	Message domain.Message `json:"message"`
}

// View is the client-visible state of one conversation.
type View struct {
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Entries      []Entry              `json:"entries"`
	Loading      bool                 `json:"loading"`
	Err          string               `json:"error,omitempty"`
}

// State is the application-state store. All mutation goes through the typed
// action methods below; there are no ambient shared objects.
type State struct {
	mu         sync.Mutex
	views      map[string]*View
	location   string
	nextTempID int64
}

// NewState creates an empty state store.
func NewState() *State {
	return &State{views: make(map[string]*View)}
}

func (s *State) view(conversationID string) *View {
	v, ok := s.views[conversationID]
	if !ok {
		v = &View{}
		s.views[conversationID] = v
	}
	return v
}

// View returns a copy of the conversation's view.
func (s *State) View(conversationID string) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view(conversationID)
	out := *v
	out.Entries = append([]Entry(nil), v.Entries...)
	return out
}

// Location returns the conversation id the client should be displaying.
func (s *State) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// SetConversation records conversation metadata.
func (s *State) SetConversation(conv *domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(conv.ID).Conversation = conv
}

// SetLocation points the client at a conversation without a full reload.
func (s *State) SetLocation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = conversationID
}

// SetLoading sets the in-flight indicator.
func (s *State) SetLoading(conversationID string, loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(conversationID).Loading = loading
}

// SetError sets (or clears) the user-visible error.
func (s *State) SetError(conversationID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(conversationID).Err = msg
}

// AppendPending applies an optimistic local append of a user message and
// returns its placeholder id. Placeholder ids are negative so they can never
// collide with store-assigned ids.
func (s *State) AppendPending(conversationID, content string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTempID--
	tempID := s.nextTempID
	v := s.view(conversationID)
	v.Entries = append(v.Entries, Entry{
		Kind: EntryPending,
		Message: domain.Message{
			ID:             tempID,
			ConversationID: conversationID,
			Role:           domain.RoleUser,
			Content:        content,
			CreatedAt:      time.Now(),
		},
	})
	return tempID
}

// ReplaceMessages reconciles the view against the store-confirmed message
// list, discarding any pending entries.
func (s *State) ReplaceMessages(conversationID string, msgs []*domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{Kind: EntryConfirmed, Message: *m})
	}
	s.view(conversationID).Entries = entries
}

// Drop removes a conversation's view, e.g. after deletion.
func (s *State) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, conversationID)
}
