package chat

import (
	"sync"

	"github.com/klyao/agentchat/internal/domain"
)

// Event types published on the conversation feed.
const (
	EventMessageAppended     = "message_appended"
	EventConversationRenamed = "conversation_renamed"
	EventConversationDeleted = "conversation_deleted"
)

// Event is one conversation change, pushed to subscribed clients so they can
// reconcile without polling.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Message        *domain.Message `json:"message,omitempty"`
	Title          string          `json:"title,omitempty"`
}

// Broker fans conversation events out to per-conversation subscribers.
// Slow subscribers drop events rather than block the publisher.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for one conversation's events. The returned cancel
// function must be called when the subscriber goes away.
func (b *Broker) Subscribe(conversationID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if _, ok := b.subs[conversationID]; !ok {
		b.subs[conversationID] = make(map[chan Event]struct{})
	}
	b.subs[conversationID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[conversationID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, conversationID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to the conversation's subscribers.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
