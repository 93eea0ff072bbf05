package handlers

import (
	"net/http"
	"os"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// ModelHandler serves the catalog routes: listing, rescans, previews, reset.
type ModelHandler struct {
	catalog *catalog.Service
	logger  arbor.ILogger
}

// NewModelHandler creates a new ModelHandler instance.
func NewModelHandler(catalogSvc *catalog.Service, logger arbor.ILogger) *ModelHandler {
	return &ModelHandler{
		catalog: catalogSvc,
		logger:  logger,
	}
}

// ListHandler lists catalog entries, optionally filtered by type.
func (h *ModelHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	opts := &models.ModelListOptions{
		Type: models.ModelType(r.URL.Query().Get("type")),
	}

	entries, err := h.catalog.List(r.Context(), opts)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(entries),
		"models":  entries,
	})
}

// ScanHandler runs a synchronous rescan of the local model tree.
func (h *ModelHandler) ScanHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.catalog.Scan(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

// ResetHandler backs up and truncates the catalog, then rescans.
func (h *ModelHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	backupPath, err := h.catalog.Reset(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"backup_path": backupPath,
	})
}

// PreviewHandler streams a catalog entry's preview image.
func (h *ModelHandler) PreviewHandler(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry.PreviewPath == "" {
		WriteKindError(w, common.ErrCatalogEntryNotFound, "entry has no preview image")
		return
	}

	data, err := os.ReadFile(entry.PreviewPath)
	if err != nil {
		WriteKindError(w, common.ErrCatalogEntryNotFound, "preview image unreadable")
		return
	}

	contentType := "image/png"
	if strings.HasSuffix(entry.PreviewPath, ".jpg") || strings.HasSuffix(entry.PreviewPath, ".jpeg") {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// RouteModel dispatches /api/v1/models/{id}[/preview] requests.
func (h *ModelHandler) RouteModel(w http.ResponseWriter, r *http.Request, prefix string) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		WriteKindError(w, common.ErrBadRequest, "missing model id")
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "preview" && r.Method == http.MethodGet:
		h.PreviewHandler(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		entry, err := h.catalog.Get(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"model":   entry,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
