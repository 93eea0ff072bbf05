package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kelsjon3/stablequeue/internal/models"
)

// JobStorage is the durable, transactional job queue. All state-changing
// operations are serialized per store; an operation whose status precondition
// fails returns an invalid_transition error and does not mutate.
type JobStorage interface {
	// Insert writes a new pending job with a fresh ID and timestamps and
	// returns the stored job.
	Insert(ctx context.Context, job *models.Job) (*models.Job, error)

	// ClaimNextForBackend atomically selects the oldest pending job targeting
	// alias, flips it to processing, and returns it. Returns (nil, nil) when
	// no pending job exists. Two concurrent callers for the same alias never
	// both receive a job. Ordering: oldest CreatedAt, then lexicographic ID.
	ClaimNextForBackend(ctx context.Context, alias string) (*models.Job, error)

	// SetBackendSession records the backend's session handle. Set at most
	// once per job.
	SetBackendSession(ctx context.Context, jobID, session string) error

	// UpdateProgress merges the latest progress snapshot into the job's
	// result. Allowed only while processing.
	UpdateProgress(ctx context.Context, jobID string, percent float64, preview string, step, total int) error

	// Complete transitions processing -> completed with the saved filenames
	// and generation-info blob.
	Complete(ctx context.Context, jobID string, filenames []string, info json.RawMessage) error

	// Fail transitions processing (or pending, for pre-submission validation
	// failures) -> failed. When requeue is true the job returns to pending
	// with retry_count incremented instead; that policy decision belongs to
	// the dispatcher.
	Fail(ctx context.Context, jobID string, errorKind, message string, requeue bool) error

	// Cancel transitions pending or processing -> cancelled.
	Cancel(ctx context.Context, jobID string) error

	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, int, error)

	// Delete removes a terminal job.
	Delete(ctx context.Context, jobID string) error

	// ListOrphanedProcessing returns jobs stuck in processing with no owning
	// monitor, for startup reconciliation.
	ListOrphanedProcessing(ctx context.Context) ([]*models.Job, error)

	// PendingPosition returns the 1-based position of a pending job within
	// its backend's queue, or 0 when the job is not pending.
	PendingPosition(ctx context.Context, jobID string) (int, error)
}

// BackendStorage is the keyed registry of named backends.
type BackendStorage interface {
	Upsert(ctx context.Context, backend *models.Backend) error
	Delete(ctx context.Context, alias string) error
	Get(ctx context.Context, alias string) (*models.Backend, error)
	List(ctx context.Context) ([]*models.Backend, error)
}

// ModelStorage is the durable index of locally available model files.
type ModelStorage interface {
	Upsert(ctx context.Context, entry *models.CatalogEntry) error
	Get(ctx context.Context, id string) (*models.CatalogEntry, error)
	FindByVersionID(ctx context.Context, versionID int64) (*models.CatalogEntry, error)
	FindByHash(ctx context.Context, hash string, kind models.ModelType) (*models.CatalogEntry, error)
	FindByPath(ctx context.Context, dir, filename string) (*models.CatalogEntry, error)
	List(ctx context.Context, opts *models.ModelListOptions) ([]*models.CatalogEntry, error)
	Delete(ctx context.Context, id string) error
	MarkAvailableOn(ctx context.Context, id, alias string, seenAt time.Time) error
	MarkUnavailableOn(ctx context.Context, id, alias string) error

	// Reset truncates the catalog after writing a timestamped backup of the
	// underlying store. Destructive; the only permitted non-additive change.
	Reset(ctx context.Context) (backupPath string, err error)
}

// APIKeyStorage stores admitting credentials.
type APIKeyStorage interface {
	Create(ctx context.Context, key *models.APIKey) error
	Get(ctx context.Context, keyID string) (*models.APIKey, error)
	FindBySecretHash(ctx context.Context, secretHash string) (*models.APIKey, error)
	List(ctx context.Context) ([]*models.APIKey, error)
	Update(ctx context.Context, key *models.APIKey) error
	Delete(ctx context.Context, keyID string) error

	// TouchLastUsed writes last_used_at lazily; failures are non-fatal.
	TouchLastUsed(ctx context.Context, keyID string, usedAt time.Time)
}

// StorageManager aggregates the three independent stores (queue, catalog,
// registry) behind one lifecycle.
type StorageManager interface {
	JobStorage() JobStorage
	BackendStorage() BackendStorage
	ModelStorage() ModelStorage
	APIKeyStorage() APIKeyStorage
	Close() error
}
