package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBackendUpsertGetDelete(t *testing.T) {
	store := NewBackendStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	backend := &models.Backend{
		Alias:         "forge-main",
		BaseURL:       "http://10.0.0.5:7860",
		Username:      "admin",
		Password:      "hunter2",
		ModelRootPath: "/srv/models",
	}
	require.NoError(t, store.Upsert(ctx, backend))

	got, err := store.Get(ctx, "forge-main")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:7860", got.BaseURL)
	assert.Equal(t, "/srv/models", got.ModelRootPath)

	// Upsert replaces the record under the same alias.
	backend.BaseURL = "http://10.0.0.6:7860"
	require.NoError(t, store.Upsert(ctx, backend))
	got, err = store.Get(ctx, "forge-main")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.6:7860", got.BaseURL)

	require.NoError(t, store.Delete(ctx, "forge-main"))
	_, err = store.Get(ctx, "forge-main")
	require.Error(t, err)
	assert.Equal(t, common.ErrBackendNotFound, common.KindOf(err))

	err = store.Delete(ctx, "forge-main")
	require.Error(t, err)
	assert.Equal(t, common.ErrBackendNotFound, common.KindOf(err))
}

func TestBackendUpsertRequiresAlias(t *testing.T) {
	store := NewBackendStorage(newTestDB(t), arbor.NewLogger())

	err := store.Upsert(context.Background(), &models.Backend{BaseURL: "http://x:7860"})
	require.Error(t, err)
	assert.Equal(t, common.ErrMissingRequiredField, common.KindOf(err))
}

func TestBackendListSortedByAlias(t *testing.T) {
	store := NewBackendStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	for _, alias := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.Upsert(ctx, &models.Backend{Alias: alias, BaseURL: "http://x:7860"}))
	}

	backends, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, backends, 3)
	assert.Equal(t, "alpha", backends[0].Alias)
	assert.Equal(t, "mid", backends[1].Alias)
	assert.Equal(t, "zeta", backends[2].Alias)
}

func TestModelFindByHashAndPath(t *testing.T) {
	store := NewModelStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	entry := &models.CatalogEntry{
		Type:       models.ModelTypeCheckpoint,
		LocalDir:   "sdxl",
		Filename:   "base.safetensors",
		HashAutoV2: "0123456789",
		HashSHA256: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
	require.NoError(t, store.Upsert(ctx, entry))
	assert.Contains(t, entry.ID, "model_")

	byShort, err := store.FindByHash(ctx, "0123456789", models.ModelTypeCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, byShort.ID)

	byFull, err := store.FindByHash(ctx, entry.HashSHA256, "")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, byFull.ID)

	_, err = store.FindByHash(ctx, "abc", "")
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidFieldValue, common.KindOf(err))

	byPath, err := store.FindByPath(ctx, "sdxl", "base.safetensors")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, byPath.ID)

	_, err = store.FindByPath(ctx, "sdxl", "missing.safetensors")
	require.Error(t, err)
	assert.Equal(t, common.ErrCatalogEntryNotFound, common.KindOf(err))
}

func TestModelFindByVersionID(t *testing.T) {
	store := NewModelStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	entry := &models.CatalogEntry{
		Type:             models.ModelTypeCheckpoint,
		LocalDir:         "sdxl",
		Filename:         "base.safetensors",
		CivitaiVersionID: 128078,
	}
	require.NoError(t, store.Upsert(ctx, entry))

	got, err := store.FindByVersionID(ctx, 128078)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	_, err = store.FindByVersionID(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, common.ErrCatalogEntryNotFound, common.KindOf(err))
}

func TestModelAvailabilityMarks(t *testing.T) {
	store := NewModelStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	entry := &models.CatalogEntry{
		Type:     models.ModelTypeCheckpoint,
		LocalDir: "sdxl",
		Filename: "base.safetensors",
	}
	require.NoError(t, store.Upsert(ctx, entry))

	seenAt := time.Now()
	require.NoError(t, store.MarkAvailableOn(ctx, entry.ID, "forge-main", seenAt))

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Contains(t, got.SeenOnBackends, "forge-main")

	require.NoError(t, store.MarkUnavailableOn(ctx, entry.ID, "forge-main"))
	got, err = store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.SeenOnBackends, "forge-main")
}

func TestModelResetBacksUpAndTruncates(t *testing.T) {
	store := NewModelStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	for _, name := range []string{"a.safetensors", "b.safetensors"} {
		require.NoError(t, store.Upsert(ctx, &models.CatalogEntry{
			Type:     models.ModelTypeCheckpoint,
			LocalDir: "sdxl",
			Filename: name,
		}))
	}

	backupPath, err := store.Reset(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, backupPath)

	entries, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAPIKeyLifecycle(t *testing.T) {
	store := NewAPIKeyStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	key := &models.APIKey{
		DisplayKey: "sq_abc...wxyz",
		SecretHash: "deadbeef",
		Active:     true,
		RateTier:   "standard",
	}
	require.NoError(t, store.Create(ctx, key))
	assert.Contains(t, key.KeyID, "key_")

	found, err := store.FindBySecretHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, found.KeyID)

	_, err = store.FindBySecretHash(ctx, "wrong")
	require.Error(t, err)
	assert.Equal(t, common.ErrUnauthorized, common.KindOf(err))

	store.TouchLastUsed(ctx, key.KeyID, time.Now())
	got, err := store.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	got.Active = false
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, store.Delete(ctx, key.KeyID))
	_, err = store.Get(ctx, key.KeyID)
	require.Error(t, err)
	assert.Equal(t, common.ErrUnauthorized, common.KindOf(err))
}
