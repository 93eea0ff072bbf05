package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
)

// APIKeyHandler serves credential management. The raw secret appears exactly
// once, in the create response.
type APIKeyHandler struct {
	keys   interfaces.APIKeyStorage
	logger arbor.ILogger
}

// NewAPIKeyHandler creates a new APIKeyHandler instance.
func NewAPIKeyHandler(keys interfaces.APIKeyStorage, logger arbor.ILogger) *APIKeyHandler {
	return &APIKeyHandler{
		keys:   keys,
		logger: logger,
	}
}

// ListHandler lists keys. Secrets are hashes at rest and never serialized.
func (h *APIKeyHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(keys),
		"keys":    keys,
	})
}

// CreateHandler mints a key and returns the one-time secret.
func (h *APIKeyHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateTier string `json:"rate_tier"`
	}
	if r.ContentLength > 0 && !DecodeJSON(w, r, &req) {
		return
	}

	key, secret := admission.MintKey(req.RateTier)
	if err := h.keys.Create(r.Context(), key); err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info().Str("key_id", key.KeyID).Msg("API key created")
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"key":     key,
		"secret":  secret,
	})
}

// RouteKey dispatches /api/v1/keys/{id} requests.
func (h *APIKeyHandler) RouteKey(w http.ResponseWriter, r *http.Request, prefix string) {
	keyID := PathSegment(r.URL.Path, prefix)
	if keyID == "" {
		WriteKindError(w, common.ErrBadRequest, "missing key id")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := h.keys.Delete(r.Context(), keyID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"key_id":  keyID,
			"message": "api key revoked",
		})
	case http.MethodGet:
		key, err := h.keys.Get(r.Context(), keyID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"key":     key,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
