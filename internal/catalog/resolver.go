package catalog

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// Resolver maps a job's checkpoint reference to a catalog entry. The catalog
// is the only matcher: version id first, then AutoV2 hash, then SHA256, then
// path plus filename. No fuzzy name matching.
type Resolver struct {
	store  interfaces.ModelStorage
	logger arbor.ILogger
}

// NewResolver creates a resolver over store.
func NewResolver(store interfaces.ModelStorage, logger arbor.ILogger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Resolve finds the catalog entry a job's checkpoint reference points to.
// Returns a catalog_entry_not_found error when nothing matches; callers treat
// that as non-fatal and pass the reference through untouched.
func (r *Resolver) Resolve(ctx context.Context, params *models.GenerationParams) (*models.CatalogEntry, error) {
	if versionID := versionIDFromParams(params); versionID != 0 {
		if entry, err := r.store.FindByVersionID(ctx, versionID); err == nil {
			return entry, nil
		}
	}

	ref := params.CheckpointName

	if hash := hashCandidate(params, ref); hash != "" {
		if entry, err := r.store.FindByHash(ctx, hash, models.ModelTypeCheckpoint); err == nil {
			return entry, nil
		}
	}

	dir, filename := splitRef(ref)
	return r.store.FindByPath(ctx, dir, filename)
}

// versionIDFromParams reads an explicit version id from the raw payload.
// Both spellings appear in the wild.
func versionIDFromParams(params *models.GenerationParams) int64 {
	for _, key := range []string{"model_version_id", "civitai_version_id"} {
		switch v := params.Raw[key].(type) {
		case float64:
			return int64(v)
		case int:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// hashCandidate returns a usable hash: an explicit checkpoint_hash field, or
// the checkpoint reference itself when it is shaped like one.
func hashCandidate(params *models.GenerationParams, ref string) string {
	if h, ok := params.Raw["checkpoint_hash"].(string); ok && isHashShaped(h) {
		return strings.ToLower(h)
	}
	if isHashShaped(ref) {
		return strings.ToLower(ref)
	}
	return ""
}

func isHashShaped(s string) bool {
	return (len(s) == 10 || len(s) == 64) && hexPattern.MatchString(s)
}

// splitRef separates a forward-slash checkpoint reference into directory and
// filename.
func splitRef(ref string) (dir, filename string) {
	if idx := strings.LastIndexByte(ref, '/'); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return "", ref
}
