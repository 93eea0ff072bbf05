package badger

import (
	"context"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// BackendStorage implements the BackendStorage interface for Badger.
type BackendStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBackendStorage creates a new BackendStorage instance.
func NewBackendStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BackendStorage {
	return &BackendStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BackendStorage) Upsert(ctx context.Context, backend *models.Backend) error {
	if backend.Alias == "" {
		return common.NewAPIError(common.ErrMissingRequiredField, "backend alias is required")
	}
	if err := s.db.Store().Upsert(backend.Alias, backend); err != nil {
		return common.Errorf(common.ErrStorage, "failed to save backend %s: %v", backend.Alias, err)
	}
	return nil
}

// Delete removes a backend. Permitted even with pending jobs; those jobs
// surface as failures at dispatch time after the grace window.
func (s *BackendStorage) Delete(ctx context.Context, alias string) error {
	if err := s.db.Store().Delete(alias, &models.Backend{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return common.Errorf(common.ErrBackendNotFound, "backend not found: %s", alias)
		}
		return common.Errorf(common.ErrStorage, "failed to delete backend %s: %v", alias, err)
	}
	return nil
}

func (s *BackendStorage) Get(ctx context.Context, alias string) (*models.Backend, error) {
	var backend models.Backend
	if err := s.db.Store().Get(alias, &backend); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.Errorf(common.ErrBackendNotFound, "backend not found: %s", alias)
		}
		return nil, common.Errorf(common.ErrStorage, "failed to get backend %s: %v", alias, err)
	}
	return &backend, nil
}

func (s *BackendStorage) List(ctx context.Context) ([]*models.Backend, error) {
	var backends []models.Backend
	if err := s.db.Store().Find(&backends, badgerhold.Where("Alias").Ne("")); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to list backends: %v", err)
	}

	sort.Slice(backends, func(i, j int) bool {
		return backends[i].Alias < backends[j].Alias
	})

	result := make([]*models.Backend, len(backends))
	for i := range backends {
		result[i] = &backends[i]
	}
	return result, nil
}
