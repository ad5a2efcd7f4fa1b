package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/klyao/agentchat/internal/agent"
	"github.com/klyao/agentchat/internal/api"
	"github.com/klyao/agentchat/internal/domain"
	"github.com/klyao/agentchat/internal/identity"
	"github.com/klyao/agentchat/internal/store"
)

// maxRequestBodySize caps chat request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler exposes conversations and the send flow over HTTP.
type Handler struct {
	repo store.Repository
	orch *Orchestrator
}

// NewHandler creates a chat HTTP handler.
func NewHandler(repo store.Repository, orch *Orchestrator) *Handler {
	return &Handler{repo: repo, orch: orch}
}

// RegisterRoutes registers conversation and chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleRename)
		r.Delete("/{id}", h.handleDelete)
		r.Get("/{id}/messages", h.handleMessages)
		r.Post("/{id}/messages", h.handleSend)
	})
	r.Post("/api/chats", h.handleStart)
}

// owned loads the conversation and enforces ownership. Foreign conversations
// are indistinguishable from missing ones.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request, userID string) *domain.Conversation {
	id := chi.URLParam(r, "id")
	conv, err := h.repo.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		api.Error(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	if err != nil {
		slog.Error("Failed to load conversation", "conversation_id", id, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil
	}
	if conv.UserID != userID {
		api.Error(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func requireUser(w http.ResponseWriter, r *http.Request) string {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
	}
	return userID
}

// handleCreate handles POST /api/conversations (explicit "new chat").
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	conv, err := h.repo.CreateConversation(r.Context(), userID, domain.DefaultTitle)
	if err != nil {
		slog.Error("Failed to create conversation", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	h.orch.State().SetConversation(conv)
	api.JSON(w, http.StatusCreated, conv)
}

// handleList handles GET /api/conversations?q=.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		slog.Error("Failed to list conversations", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	api.JSON(w, http.StatusOK, convs)
}

// handleGet handles GET /api/conversations/{id}.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	conv := h.owned(w, r, userID)
	if conv == nil {
		return
	}
	api.JSON(w, http.StatusOK, conv)
}

// handleRename handles PATCH /api/conversations/{id}.
func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	conv := h.owned(w, r, userID)
	if conv == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		api.Error(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := h.repo.RenameConversation(r.Context(), conv.ID, req.Title); err != nil {
		slog.Error("Failed to rename conversation", "conversation_id", conv.ID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to rename conversation")
		return
	}
	conv.Title = req.Title
	h.orch.State().SetConversation(conv)
	h.orch.Broker().Publish(Event{Type: EventConversationRenamed, ConversationID: conv.ID, Title: req.Title})
	api.JSON(w, http.StatusOK, conv)
}

// handleDelete handles DELETE /api/conversations/{id}.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	conv := h.owned(w, r, userID)
	if conv == nil {
		return
	}

	if err := h.repo.DeleteConversation(r.Context(), conv.ID); err != nil {
		slog.Error("Failed to delete conversation", "conversation_id", conv.ID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	h.orch.Forget(conv.ID)
	h.orch.Broker().Publish(Event{Type: EventConversationDeleted, ConversationID: conv.ID})
	w.WriteHeader(http.StatusNoContent)
}

// handleMessages handles GET /api/conversations/{id}/messages.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	conv := h.owned(w, r, userID)
	if conv == nil {
		return
	}

	msgs, err := h.repo.LoadMessages(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to load messages", "conversation_id", conv.ID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	api.JSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Type    string `json:"type"`
}

// handleSend handles POST /api/conversations/{id}/messages: one full chat
// turn through the orchestrator.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	conv := h.owned(w, r, userID)
	if conv == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		api.Error(w, http.StatusBadRequest, "content is required")
		return
	}

	msgs, err := h.orch.Send(r.Context(), conv.ID, userID, req.Content)
	if errors.Is(err, ErrSendInFlight) {
		// A send is already running for this conversation; report the
		// current state instead of starting a second turn.
		view := h.orch.State().View(conv.ID)
		api.JSON(w, http.StatusOK, view)
		return
	}
	if err != nil {
		h.writeSendError(w, conv.ID, err)
		return
	}
	api.JSON(w, http.StatusOK, msgs)
}

type startRequest struct {
	Message string `json:"message"`
}

type startResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Messages     []*domain.Message    `json:"messages"`
}

// handleStart handles POST /api/chats: the pre-staged pending message flow.
// The conversation is created, titled from the message, and the first turn
// runs before the response is written.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	// Teardown suppresses further visible updates through the token but the
	// turn itself runs to completion, so a client disconnect cannot orphan a
	// half-persisted exchange.
	token := NewToken()
	go func() {
		<-r.Context().Done()
		token.Cancel()
	}()

	conv, msgs, err := h.orch.StartConversation(context.WithoutCancel(r.Context()), token, userID, req.Message)
	if err != nil && conv == nil {
		h.writeSendError(w, "", err)
		return
	}

	w.Header().Set("Location", "/chat/"+conv.ID)
	if err != nil {
		// The conversation (and its user message) exist; the first agent
		// turn failed. Surface both facts.
		h.writeSendError(w, conv.ID, err)
		return
	}
	api.JSON(w, http.StatusCreated, startResponse{Conversation: conv, Messages: msgs})
}

func (h *Handler) writeSendError(w http.ResponseWriter, conversationID string, err error) {
	slog.Error("Chat turn failed",
		"conversation_id", conversationID,
		"type", string(agent.KindOf(err)),
		"error", err,
	)
	api.JSON(w, http.StatusInternalServerError, sendError{
		Error:   "Failed to process request",
		Details: agent.Details(err),
		Type:    string(agent.KindOf(err)),
	})
}
