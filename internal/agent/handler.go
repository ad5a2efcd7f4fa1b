package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/klyao/agentchat/internal/api"
	"github.com/klyao/agentchat/internal/identity"
)

// maxRequestBodySize caps the invoke request body (1MB).
const maxRequestBodySize = 1 << 20

// Handler exposes the agent gateway over HTTP.
type Handler struct {
	gateway *Gateway
}

// NewHandler creates an agent HTTP handler.
func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/invoke", h.handleInvoke)
	})
}

type invokeRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type invokeError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Type    string `json:"type"`
}

// handleInvoke handles POST /api/agent/invoke.
func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.gateway.Invoke(r.Context(), req.Message, req.ConversationID)
	if err != nil {
		// Full cause stays in the server log; the body carries only the
		// category and message.
		slog.Error("Agent invocation failed",
			"user_id", userID,
			"conversation_id", req.ConversationID,
			"type", string(KindOf(err)),
			"error", err,
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
		api.JSON(w, http.StatusInternalServerError, invokeError{
			Error:   "Failed to process request",
			Details: Details(err),
			Type:    string(KindOf(err)),
		})
		return
	}

	api.JSON(w, http.StatusOK, result)
}
