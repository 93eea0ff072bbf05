package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// ModelStorage implements the ModelStorage interface for Badger.
type ModelStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewModelStorage creates a new ModelStorage instance.
func NewModelStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ModelStorage {
	return &ModelStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ModelStorage) Upsert(ctx context.Context, entry *models.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry.ID == "" {
		entry.ID = common.NewEntryID()
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.SeenOnBackends == nil {
		entry.SeenOnBackends = map[string]time.Time{}
	}

	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return common.Errorf(common.ErrStorage, "failed to save catalog entry %s: %v", entry.Filename, err)
	}
	return nil
}

func (s *ModelStorage) Get(ctx context.Context, id string) (*models.CatalogEntry, error) {
	var entry models.CatalogEntry
	if err := s.db.Store().Get(id, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.Errorf(common.ErrCatalogEntryNotFound, "catalog entry not found: %s", id)
		}
		return nil, common.Errorf(common.ErrStorage, "failed to get catalog entry %s: %v", id, err)
	}
	return &entry, nil
}

func (s *ModelStorage) FindByVersionID(ctx context.Context, versionID int64) (*models.CatalogEntry, error) {
	if versionID == 0 {
		return nil, common.NewAPIError(common.ErrCatalogEntryNotFound, "no version id")
	}
	return s.findOne(badgerhold.Where("CivitaiVersionID").Eq(versionID))
}

func (s *ModelStorage) FindByHash(ctx context.Context, hash string, kind models.ModelType) (*models.CatalogEntry, error) {
	hash = strings.ToLower(hash)
	var field string
	switch len(hash) {
	case 10:
		field = "HashAutoV2"
	case 64:
		field = "HashSHA256"
	default:
		return nil, common.Errorf(common.ErrInvalidFieldValue, "unrecognized hash length %d", len(hash))
	}

	query := badgerhold.Where(field).Eq(hash)
	if kind != "" {
		query = query.And("Type").Eq(kind)
	}
	return s.findOne(query)
}

func (s *ModelStorage) FindByPath(ctx context.Context, dir, filename string) (*models.CatalogEntry, error) {
	return s.findOne(badgerhold.Where("LocalDir").Eq(dir).And("Filename").Eq(filename))
}

func (s *ModelStorage) findOne(query *badgerhold.Query) (*models.CatalogEntry, error) {
	var entries []models.CatalogEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, common.Errorf(common.ErrStorage, "catalog lookup failed: %v", err)
	}
	if len(entries) == 0 {
		return nil, common.NewAPIError(common.ErrCatalogEntryNotFound, "catalog entry not found")
	}
	return &entries[0], nil
}

func (s *ModelStorage) List(ctx context.Context, opts *models.ModelListOptions) ([]*models.CatalogEntry, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil && opts.Type != "" {
		query = query.And("Type").Eq(opts.Type)
	}

	var entries []models.CatalogEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to list catalog entries: %v", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LocalDir == entries[j].LocalDir {
			return entries[i].Filename < entries[j].Filename
		}
		return entries[i].LocalDir < entries[j].LocalDir
	})

	result := make([]*models.CatalogEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

func (s *ModelStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.CatalogEntry{}); err != nil && err != badgerhold.ErrNotFound {
		return common.Errorf(common.ErrStorage, "failed to delete catalog entry %s: %v", id, err)
	}
	return nil
}

func (s *ModelStorage) MarkAvailableOn(ctx context.Context, id, alias string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.SeenOnBackends == nil {
		entry.SeenOnBackends = map[string]time.Time{}
	}
	entry.SeenOnBackends[alias] = seenAt
	entry.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return common.Errorf(common.ErrStorage, "failed to mark availability for %s: %v", id, err)
	}
	return nil
}

func (s *ModelStorage) MarkUnavailableOn(ctx context.Context, id, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	delete(entry.SeenOnBackends, alias)
	entry.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return common.Errorf(common.ErrStorage, "failed to mark unavailability for %s: %v", id, err)
	}
	return nil
}

// Reset truncates the catalog after writing a timestamped backup of the
// store directory. The only destructive catalog operation.
func (s *ModelStorage) Reset(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backupPath := fmt.Sprintf("%s.backup-%s", s.db.Path(), time.Now().Format("20060102-150405"))
	if err := s.db.BackupTo(backupPath); err != nil {
		return "", common.Errorf(common.ErrStorage, "catalog backup failed: %v", err)
	}

	var entries []models.CatalogEntry
	if err := s.db.Store().Find(&entries, badgerhold.Where("ID").Ne("")); err != nil {
		return "", common.Errorf(common.ErrStorage, "failed to enumerate catalog for reset: %v", err)
	}
	for i := range entries {
		if err := s.db.Store().Delete(entries[i].ID, &models.CatalogEntry{}); err != nil && err != badgerhold.ErrNotFound {
			return "", common.Errorf(common.ErrStorage, "failed to truncate catalog: %v", err)
		}
	}

	s.logger.Info().
		Str("backup", backupPath).
		Int("entries", len(entries)).
		Msg("Catalog reset complete")

	return backupPath, nil
}
