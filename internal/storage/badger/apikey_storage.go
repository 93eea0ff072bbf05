package badger

import (
	"context"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// APIKeyStorage implements the APIKeyStorage interface for Badger.
type APIKeyStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAPIKeyStorage creates a new APIKeyStorage instance.
func NewAPIKeyStorage(db *BadgerDB, logger arbor.ILogger) interfaces.APIKeyStorage {
	return &APIKeyStorage{
		db:     db,
		logger: logger,
	}
}

func (s *APIKeyStorage) Create(ctx context.Context, key *models.APIKey) error {
	if key.KeyID == "" {
		key.KeyID = common.NewKeyID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	if err := s.db.Store().Insert(key.KeyID, key); err != nil {
		return common.Errorf(common.ErrStorage, "failed to create api key: %v", err)
	}
	return nil
}

func (s *APIKeyStorage) Get(ctx context.Context, keyID string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.Store().Get(keyID, &key); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.Errorf(common.ErrUnauthorized, "api key not found: %s", keyID)
		}
		return nil, common.Errorf(common.ErrStorage, "failed to get api key %s: %v", keyID, err)
	}
	return &key, nil
}

func (s *APIKeyStorage) FindBySecretHash(ctx context.Context, secretHash string) (*models.APIKey, error) {
	var keys []models.APIKey
	if err := s.db.Store().Find(&keys, badgerhold.Where("SecretHash").Eq(secretHash)); err != nil {
		return nil, common.Errorf(common.ErrStorage, "api key lookup failed: %v", err)
	}
	if len(keys) == 0 {
		return nil, common.NewAPIError(common.ErrUnauthorized, "invalid api key")
	}
	return &keys[0], nil
}

func (s *APIKeyStorage) List(ctx context.Context) ([]*models.APIKey, error) {
	var keys []models.APIKey
	if err := s.db.Store().Find(&keys, badgerhold.Where("KeyID").Ne("")); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to list api keys: %v", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})

	result := make([]*models.APIKey, len(keys))
	for i := range keys {
		result[i] = &keys[i]
	}
	return result, nil
}

func (s *APIKeyStorage) Update(ctx context.Context, key *models.APIKey) error {
	if err := s.db.Store().Update(key.KeyID, key); err != nil {
		if err == badgerhold.ErrNotFound {
			return common.Errorf(common.ErrUnauthorized, "api key not found: %s", key.KeyID)
		}
		return common.Errorf(common.ErrStorage, "failed to update api key %s: %v", key.KeyID, err)
	}
	return nil
}

func (s *APIKeyStorage) Delete(ctx context.Context, keyID string) error {
	if err := s.db.Store().Delete(keyID, &models.APIKey{}); err != nil && err != badgerhold.ErrNotFound {
		return common.Errorf(common.ErrStorage, "failed to delete api key %s: %v", keyID, err)
	}
	return nil
}

// TouchLastUsed writes last_used_at lazily. Errors are logged, not returned;
// the admitting request must not fail on accounting writes.
func (s *APIKeyStorage) TouchLastUsed(ctx context.Context, keyID string, usedAt time.Time) {
	key, err := s.Get(ctx, keyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("key_id", keyID).Msg("Failed to load api key for last-used update")
		return
	}
	key.LastUsedAt = &usedAt
	if err := s.db.Store().Update(key.KeyID, key); err != nil {
		s.logger.Warn().Err(err).Str("key_id", keyID).Msg("Failed to record api key last-used time")
	}
}
