package admission

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
	storage "github.com/kelsjon3/stablequeue/internal/storage/badger"
)

type fixture struct {
	service  *Service
	queue    interfaces.JobStorage
	registry interfaces.BackendStorage
	keys     interfaces.APIKeyStorage
}

func newFixture(t *testing.T, requireKey bool) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	queueDB, err := storage.NewBadgerDB(logger, filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	t.Cleanup(func() { queueDB.Close() })
	registryDB, err := storage.NewBadgerDB(logger, filepath.Join(t.TempDir(), "registry"))
	require.NoError(t, err)
	t.Cleanup(func() { registryDB.Close() })

	f := &fixture{
		queue:    storage.NewJobStorage(queueDB, nil, logger),
		registry: storage.NewBackendStorage(registryDB, logger),
		keys:     storage.NewAPIKeyStorage(registryDB, logger),
	}
	f.service = NewService(f.queue, f.registry, f.keys, requireKey, logger)
	return f
}

func (f *fixture) registerBackend(t *testing.T, alias string) {
	t.Helper()
	require.NoError(t, f.registry.Upsert(context.Background(), &models.Backend{
		Alias:   alias,
		BaseURL: "http://" + alias + "/",
	}))
}

func validRequest(alias string) *SubmitRequest {
	return &SubmitRequest{
		TargetBackend: alias,
		AppType:       models.AppTypeForge,
		GenerationParams: map[string]interface{}{
			"prompt":          "a lighthouse",
			"checkpoint_name": "sdxl\\juggernaut.safetensors",
			"steps":           float64(20),
		},
	}
}

func TestSubmitAdmitsJob(t *testing.T) {
	f := newFixture(t, false)
	f.registerBackend(t, "a")

	receipt, err := f.service.Submit(context.Background(), validRequest("a"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.JobID)
	assert.Equal(t, 1, receipt.QueuePosition)
	assert.Equal(t, "a", receipt.TargetBackend)
	assert.Equal(t, models.AppTypeForge, receipt.AppType)
	assert.False(t, receipt.CreatedAt.IsZero())

	job, err := f.queue.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	// Backslashes canonicalize to forward slashes.
	assert.Equal(t, "sdxl/juggernaut.safetensors", job.Params.CheckpointName)
	assert.Equal(t, "sdxl/juggernaut.safetensors", job.Params.Raw["checkpoint_name"])
}

func TestSubmitQueuePositionsAccumulate(t *testing.T) {
	f := newFixture(t, false)
	f.registerBackend(t, "a")

	first, err := f.service.Submit(context.Background(), validRequest("a"), nil)
	require.NoError(t, err)
	second, err := f.service.Submit(context.Background(), validRequest("a"), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first.QueuePosition)
	assert.Equal(t, 2, second.QueuePosition)
}

func TestSubmitUnknownBackend(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.service.Submit(context.Background(), validRequest("ghost"), nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrBackendNotFound, common.KindOf(err))

	_, total, err := f.queue.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, total, "rejected submissions must not create jobs")
}

func TestSubmitMissingTargetBackend(t *testing.T) {
	f := newFixture(t, false)

	req := validRequest("")
	req.TargetBackend = ""
	_, err := f.service.Submit(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrMissingRequiredField, common.KindOf(err))
}

func TestSubmitLegacyCheckpointField(t *testing.T) {
	f := newFixture(t, false)
	f.registerBackend(t, "a")

	req := validRequest("a")
	delete(req.GenerationParams, "checkpoint_name")
	req.GenerationParams["sd_checkpoint"] = "legacy\\model.safetensors"

	receipt, err := f.service.Submit(context.Background(), req, nil)
	require.NoError(t, err)

	job, err := f.queue.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, "legacy/model.safetensors", job.Params.CheckpointName)
}

func TestSubmitForgeWithoutCheckpointRejected(t *testing.T) {
	f := newFixture(t, false)
	f.registerBackend(t, "a")

	req := validRequest("a")
	delete(req.GenerationParams, "checkpoint_name")

	_, err := f.service.Submit(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrBadRequest, common.KindOf(err))
}

func TestAuthenticateEnforced(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	key, secret := MintKey("standard")
	require.NoError(t, f.keys.Create(ctx, key))

	// No secret with enforcement on.
	_, err := f.service.Authenticate(ctx, "")
	require.Error(t, err)
	assert.Equal(t, common.ErrUnauthorized, common.KindOf(err))

	// Wrong secret.
	_, err = f.service.Authenticate(ctx, "sq_wrong")
	require.Error(t, err)
	assert.Equal(t, common.ErrUnauthorized, common.KindOf(err))

	// Right secret.
	resolved, err := f.service.Authenticate(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, resolved.KeyID)
}

func TestAuthenticateDisabledKey(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	key, secret := MintKey("standard")
	key.Active = false
	require.NoError(t, f.keys.Create(ctx, key))

	_, err := f.service.Authenticate(ctx, secret)
	require.Error(t, err)
	assert.Equal(t, common.ErrUnauthorized, common.KindOf(err))
}

func TestAuthenticateAnonymousWhenNotEnforced(t *testing.T) {
	f := newFixture(t, false)

	key, err := f.service.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestMintKeyShape(t *testing.T) {
	key, secret := MintKey("standard")
	assert.True(t, key.Active)
	assert.NotContains(t, key.DisplayKey, secret[8:20], "display key must not leak the secret")
	assert.Equal(t, HashSecret(secret), key.SecretHash)
}
