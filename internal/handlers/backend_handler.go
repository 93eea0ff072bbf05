package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// BackendHandler serves the backend registry CRUD routes.
type BackendHandler struct {
	registry interfaces.BackendStorage
	logger   arbor.ILogger
}

// NewBackendHandler creates a new BackendHandler instance.
func NewBackendHandler(registry interfaces.BackendStorage, logger arbor.ILogger) *BackendHandler {
	return &BackendHandler{
		registry: registry,
		logger:   logger,
	}
}

// backendRequest is the create/update body. Secrets are write-only; listings
// return masked copies.
type backendRequest struct {
	Alias         string `json:"alias"`
	BaseURL       string `json:"base_url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	ModelRootPath string `json:"model_root_path"`
}

// ListHandler lists registered backends with credentials masked.
func (h *BackendHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	backends, err := h.registry.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	masked := make([]*models.Backend, len(backends))
	for i, b := range backends {
		masked[i] = b.MaskSecrets()
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(masked),
		"backends": masked,
	})
}

// CreateHandler registers a new backend.
func (h *BackendHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.validateRequest(&req); err != nil {
		WriteError(w, err)
		return
	}

	backend := &models.Backend{
		Alias:         strings.ToLower(req.Alias),
		BaseURL:       req.BaseURL,
		Username:      req.Username,
		Password:      req.Password,
		ModelRootPath: req.ModelRootPath,
	}
	if err := h.registry.Upsert(r.Context(), backend); err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info().Str("alias", backend.Alias).Str("base_url", backend.BaseURL).Msg("Backend registered")
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"backend": backend.MaskSecrets(),
	})
}

// UpdateHandler replaces a backend's connection data.
func (h *BackendHandler) UpdateHandler(w http.ResponseWriter, r *http.Request, alias string) {
	existing, err := h.registry.Get(r.Context(), alias)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req backendRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	req.Alias = existing.Alias
	if err := h.validateRequest(&req); err != nil {
		WriteError(w, err)
		return
	}

	updated := &models.Backend{
		Alias:         existing.Alias,
		BaseURL:       req.BaseURL,
		Username:      req.Username,
		Password:      req.Password,
		ModelRootPath: req.ModelRootPath,
	}
	// Empty credentials on update keep the stored ones.
	if updated.Username == "" && updated.Password == "" {
		updated.Username = existing.Username
		updated.Password = existing.Password
	}

	if err := h.registry.Upsert(r.Context(), updated); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"backend": updated.MaskSecrets(),
	})
}

// DeleteHandler removes a backend from the registry. Pending jobs targeting
// it are failed by the dispatcher after the unknown-backend grace period.
func (h *BackendHandler) DeleteHandler(w http.ResponseWriter, r *http.Request, alias string) {
	if err := h.registry.Delete(r.Context(), alias); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"alias":   alias,
		"message": "backend removed",
	})
}

// RouteBackend dispatches /api/v1/backends/{alias} requests.
func (h *BackendHandler) RouteBackend(w http.ResponseWriter, r *http.Request, prefix string) {
	alias := PathSegment(r.URL.Path, prefix)
	if alias == "" {
		WriteKindError(w, common.ErrBadRequest, "missing backend alias")
		return
	}

	switch r.Method {
	case http.MethodGet:
		backend, err := h.registry.Get(r.Context(), alias)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"backend": backend.MaskSecrets(),
		})
	case http.MethodPut:
		h.UpdateHandler(w, r, alias)
	case http.MethodDelete:
		h.DeleteHandler(w, r, alias)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BackendHandler) validateRequest(req *backendRequest) error {
	if req.Alias == "" {
		return common.NewAPIError(common.ErrMissingRequiredField, "missing required field: alias")
	}
	if req.BaseURL == "" {
		return common.NewAPIError(common.ErrMissingRequiredField, "missing required field: base_url")
	}
	if !strings.HasPrefix(req.BaseURL, "http://") && !strings.HasPrefix(req.BaseURL, "https://") {
		return common.NewAPIError(common.ErrInvalidFieldValue, "base_url must be an http or https URL")
	}
	return nil
}
