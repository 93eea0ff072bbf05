package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
)

// APIHandler serves the system routes.
type APIHandler struct {
	logger    arbor.ILogger
	startedAt time.Time
}

// NewAPIHandler creates a new APIHandler instance.
func NewAPIHandler(logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		logger:    logger,
		startedAt: time.Now(),
	}
}

// HealthHandler reports liveness.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "ok",
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// VersionHandler reports build information.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"version": common.Version,
		"build":   common.Build,
	})
}

// NotFoundHandler is the fallback for unmatched API paths.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteKindError(w, common.ErrBadRequest, "unknown route: "+r.URL.Path)
}
