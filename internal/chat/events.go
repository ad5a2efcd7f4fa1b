package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/klyao/agentchat/internal/identity"
	"github.com/klyao/agentchat/internal/store"
)

const eventWriteTimeout = 10 * time.Second

// EventsHandler streams conversation events over WebSocket so clients can
// reconcile message lists without polling.
type EventsHandler struct {
	repo   store.Repository
	broker *Broker
}

// NewEventsHandler creates a WebSocket events handler.
func NewEventsHandler(repo store.Repository, broker *Broker) *EventsHandler {
	return &EventsHandler{repo: repo, broker: broker}
}

// ServeHTTP upgrades the connection and forwards the conversation's events
// until the client goes away.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, `{"error": "conversation_id is required"}`, http.StatusBadRequest)
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), conversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.UserID != userID) {
		http.Error(w, `{"error": "conversation not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to load conversation for event feed", "conversation_id", conversationID, "error", err)
		http.Error(w, `{"error": "failed to load conversation"}`, http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	slog.Info("Event feed connected", "user_id", userID, "conversation_id", conversationID)

	events, cancel := h.broker.Subscribe(conversationID)
	defer cancel()

	// The feed is write-only; CloseRead keeps processing the client's control
	// frames and cancels the context when the client goes away.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := writeEvent(ctx, ws, ev); err != nil {
				slog.Debug("Event feed write failed", "error", err, "user_id", userID)
				return
			}
			if ev.Type == EventConversationDeleted {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
