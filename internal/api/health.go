package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klyao/agentchat/internal/store"
)

// HealthHandler reports service and dependency status.
type HealthHandler struct {
	repo         store.Repository
	agentEnabled bool
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, agentEnabled bool) *HealthHandler {
	return &HealthHandler{repo: repo, agentEnabled: agentEnabled}
}

// RegisterHealth registers the readiness endpoint.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if err := h.repo.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}
	JSON(w, status, map[string]interface{}{
		"status":        dbStatus,
		"agent_enabled": h.agentEnabled,
	})
}
