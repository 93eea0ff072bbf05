package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
	"github.com/kelsjon3/stablequeue/internal/services/events"
	storage "github.com/kelsjon3/stablequeue/internal/storage/badger"
)

type handlerFixture struct {
	queue    interfaces.JobStorage
	registry interfaces.BackendStorage
	keys     interfaces.APIKeyStorage
	events   *events.Service
	jobs     *JobHandler
	backends *BackendHandler
	apikeys  *APIKeyHandler
}

// queueCanceller routes cancels straight to the queue. Handler tests exercise
// the pending-job path only; processing jobs belong to dispatcher tests.
type queueCanceller struct {
	queue interfaces.JobStorage
}

func (c *queueCanceller) CancelJob(ctx context.Context, jobID string) error {
	return c.queue.Cancel(ctx, jobID)
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storage.NewBadgerDB(logger, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewService(64, logger)
	t.Cleanup(func() { bus.Close() })

	queue := storage.NewJobStorage(db, bus, logger)
	registry := storage.NewBackendStorage(db, logger)
	keys := storage.NewAPIKeyStorage(db, logger)

	admissionSvc := admission.NewService(queue, registry, keys, false, logger)

	return &handlerFixture{
		queue:    queue,
		registry: registry,
		keys:     keys,
		events:   bus,
		jobs:     NewJobHandler(admissionSvc, queue, &queueCanceller{queue: queue}, logger),
		backends: NewBackendHandler(registry, logger),
		apikeys:  NewAPIKeyHandler(keys, logger),
	}
}

func (f *handlerFixture) registerBackend(t *testing.T, alias string) {
	t.Helper()
	require.NoError(t, f.registry.Upsert(context.Background(), &models.Backend{
		Alias:   alias,
		BaseURL: "http://forge.local:7860",
	}))
}

func postJSON(handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func submitBody(backend string) map[string]interface{} {
	return map[string]interface{}{
		"target_backend": backend,
		"generation_params": map[string]interface{}{
			"checkpoint_name": "sdxl/base.safetensors",
			"prompt":          "a lighthouse at dusk",
			"steps":           20,
		},
	}
}

func TestGenerateV1Accepted(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	rec := postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("forge-main"))

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["job_id"], "job_")
	assert.Equal(t, float64(1), body["queue_position"])
}

func TestGenerateV2IncludesRouting(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	rec := postJSON(f.jobs.GenerateV2Handler, "/api/v2/generate", submitBody("forge-main"))

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "forge-main", body["target_backend"])
	assert.Equal(t, "forge", body["app_type"])
}

func TestGenerateUnknownBackendEnvelope(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("nowhere"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "backend_not_found", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestGenerateMissingBackendField(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", map[string]interface{}{
		"generation_params": map[string]interface{}{"checkpoint_name": "m.safetensors"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "missing_required_field", body["error"])
}

func TestGenerateMalformedJSON(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.jobs.GenerateV1Handler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
}

func TestListJobsFiltersByStatus(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	for i := 0; i < 3; i++ {
		rec := postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("forge-main"))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=pending", nil)
	rec := httptest.NewRecorder()
	f.jobs.ListJobsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["jobs"], 3)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=completed", nil)
	rec = httptest.NewRecorder()
	f.jobs.ListJobsHandler(rec, req)

	body = decodeBody(t, rec)
	assert.Equal(t, float64(0), body["total"])
}

func TestStatusReportsQueuePosition(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	first := decodeBody(t, postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("forge-main")))
	second := decodeBody(t, postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("forge-main")))
	secondID := second["job_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+secondID+"/status", nil)
	rec := httptest.NewRecorder()
	f.jobs.RouteJob(rec, req, "/api/v1/jobs/")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	job := body["job"].(map[string]interface{})
	assert.Equal(t, secondID, job["job_id"])
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, float64(2), body["queue_position"])
	_ = first
}

func TestStatusUnknownJob(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job_missing/status", nil)
	rec := httptest.NewRecorder()
	f.jobs.RouteJob(rec, req, "/api/v1/jobs/")

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "job_not_found", body["error"])
}

func TestCancelPendingJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	created := decodeBody(t, postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("forge-main")))
	jobID := created["job_id"].(string)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	rec := httptest.NewRecorder()
	f.jobs.RouteJob(rec, req, "/api/v1/jobs/")

	require.Equal(t, http.StatusOK, rec.Code)

	job, err := f.queue.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestDeleteTerminalJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	created := decodeBody(t, postJSON(f.jobs.GenerateV1Handler, "/api/v1/generate", submitBody("forge-main")))
	jobID := created["job_id"].(string)
	require.NoError(t, f.queue.Cancel(context.Background(), jobID))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	rec := httptest.NewRecorder()
	f.jobs.RouteJob(rec, req, "/api/v1/jobs/")

	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.queue.Get(context.Background(), jobID)
	assert.Error(t, err)
}

func TestBackendCreateAndListMasked(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(f.backends.CreateHandler, "/api/v1/backends", map[string]interface{}{
		"alias":    "Forge-Main",
		"base_url": "http://10.0.0.5:7860",
		"username": "admin",
		"password": "hunter2",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	backend := body["backend"].(map[string]interface{})
	assert.Equal(t, "forge-main", backend["alias"])
	assert.NotEqual(t, "hunter2", backend["password"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/backends", nil)
	listRec := httptest.NewRecorder()
	f.backends.ListHandler(listRec, req)

	listBody := decodeBody(t, listRec)
	assert.Equal(t, float64(1), listBody["count"])

	stored, err := f.registry.Get(context.Background(), "forge-main")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Password)
}

func TestBackendUpdateKeepsCredentials(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.registry.Upsert(context.Background(), &models.Backend{
		Alias:    "forge-main",
		BaseURL:  "http://old.local:7860",
		Username: "admin",
		Password: "hunter2",
	}))

	raw, _ := json.Marshal(map[string]interface{}{"base_url": "http://new.local:7860"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/backends/forge-main", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.backends.RouteBackend(rec, req, "/api/v1/backends/")

	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.registry.Get(context.Background(), "forge-main")
	require.NoError(t, err)
	assert.Equal(t, "http://new.local:7860", stored.BaseURL)
	assert.Equal(t, "admin", stored.Username)
	assert.Equal(t, "hunter2", stored.Password)
}

func TestBackendCreateRejectsBadURL(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(f.backends.CreateHandler, "/api/v1/backends", map[string]interface{}{
		"alias":    "forge-main",
		"base_url": "ftp://forge.local",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_field_value", body["error"])
}

func TestBackendDelete(t *testing.T) {
	f := newHandlerFixture(t)
	f.registerBackend(t, "forge-main")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/backends/forge-main", nil)
	rec := httptest.NewRecorder()
	f.backends.RouteBackend(rec, req, "/api/v1/backends/")

	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.registry.Get(context.Background(), "forge-main")
	assert.Error(t, err)
}

func TestAPIKeyCreateReturnsSecretOnce(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(f.apikeys.CreateHandler, "/api/v1/keys", map[string]interface{}{"rate_tier": "standard"})

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	secret := body["secret"].(string)
	assert.Contains(t, secret, "sq_")

	key := body["key"].(map[string]interface{})
	assert.Equal(t, "standard", key["rate_tier"])
	assert.NotContains(t, key, "secret_hash")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil)
	listRec := httptest.NewRecorder()
	f.apikeys.ListHandler(listRec, req)

	listBody := decodeBody(t, listRec)
	assert.Equal(t, float64(1), listBody["count"])
	assert.NotContains(t, listRec.Body.String(), secret)
}

func TestAPIKeyRevoke(t *testing.T) {
	f := newHandlerFixture(t)

	created := decodeBody(t, postJSON(f.apikeys.CreateHandler, "/api/v1/keys", map[string]interface{}{}))
	keyID := created["key"].(map[string]interface{})["key_id"].(string)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/keys/"+keyID, nil)
	rec := httptest.NewRecorder()
	f.apikeys.RouteKey(rec, req, "/api/v1/keys/")

	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.keys.Get(context.Background(), keyID)
	assert.Error(t, err)
}

func TestHealthAndVersion(t *testing.T) {
	api := NewAPIHandler(arbor.NewLogger())

	rec := httptest.NewRecorder()
	api.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = httptest.NewRecorder()
	api.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["version"])
}

func TestNotFoundEnvelope(t *testing.T) {
	api := NewAPIHandler(arbor.NewLogger())

	rec := httptest.NewRecorder()
	api.NotFoundHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "/api/v1/nope")
}
