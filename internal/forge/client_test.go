package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/models"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&models.Backend{
		Alias:   "test",
		BaseURL: server.URL,
	}, arbor.NewLogger())
}

func TestSubmitReturnsTaskID(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-abc"})
	})

	params := &models.GenerationParams{
		CheckpointName: "sdxl/juggernaut.safetensors",
		Raw: map[string]interface{}{
			"prompt": "a lighthouse",
			"steps":  float64(20),
		},
	}

	session, err := client.Submit(context.Background(), params, models.AppTypeForge)
	require.NoError(t, err)
	assert.Equal(t, "task-abc", session)
	assert.Equal(t, "/agent-scheduler/v2/queue/txt2img", gotPath)

	// Raw payload passes through verbatim; checkpoint rides in override_settings.
	assert.Equal(t, "a lighthouse", gotBody["prompt"])
	overrides, ok := gotBody["override_settings"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "sdxl/juggernaut.safetensors", overrides["sd_model_checkpoint"])
}

func TestSubmitRoutesImg2Img(t *testing.T) {
	var gotPath string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
	})

	params := &models.GenerationParams{
		Raw: map[string]interface{}{
			"prompt":      "restyle",
			"init_images": []interface{}{"aGVsbG8="},
		},
	}

	_, err := client.Submit(context.Background(), params, models.AppTypeForge)
	require.NoError(t, err)
	assert.Equal(t, "/agent-scheduler/v2/queue/img2img", gotPath)
}

func TestSubmitSendsBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
	}))
	defer server.Close()

	client := NewClient(&models.Backend{
		Alias:    "secured",
		BaseURL:  server.URL,
		Username: "admin",
		Password: "hunter2",
	}, arbor.NewLogger())

	_, err := client.Submit(context.Background(), &models.GenerationParams{Raw: map[string]interface{}{}}, models.AppTypeForge)
	require.NoError(t, err)
	require.True(t, gotOK)
	assert.Equal(t, "admin", gotUser)
	assert.Equal(t, "hunter2", gotPass)
}

func TestSubmitClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantClass ErrorClass
	}{
		{"busy", http.StatusServiceUnavailable, `{"detail":"model loading"}`, ClassBusy},
		{"rate limited", http.StatusTooManyRequests, `{"detail":"slow down"}`, ClassBusy},
		{"bad request", http.StatusUnprocessableEntity, `{"detail":"invalid sampler"}`, ClassBadRequest},
		{"server error", http.StatusInternalServerError, "boom", ClassBackendError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Submit(context.Background(), &models.GenerationParams{Raw: map[string]interface{}{}}, models.AppTypeForge)
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, ClassOf(err))
		})
	}
}

func TestSubmitTransportErrorClass(t *testing.T) {
	client := NewClient(&models.Backend{
		Alias:   "down",
		BaseURL: "http://127.0.0.1:1",
	}, arbor.NewLogger())

	_, err := client.Submit(context.Background(), &models.GenerationParams{Raw: map[string]interface{}{}}, models.AppTypeForge)
	require.Error(t, err)
	assert.Equal(t, ClassTransport, ClassOf(err))

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Retryable())
}

func TestPollProgressParsesSnapshot(t *testing.T) {
	preview := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/progress", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "task-abc", req["id_task"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"active":       true,
			"progress":     0.42,
			"live_preview": "data:image/png;base64," + preview,
			"state": map[string]interface{}{
				"sampling_step":  8,
				"sampling_steps": 20,
			},
		})
	})

	status, err := client.PollProgress(context.Background(), "task-abc")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.InDelta(t, 42.0, status.Percent, 0.001)
	assert.Equal(t, 8, status.CurrentStep)
	assert.Equal(t, 20, status.TotalSteps)
	assert.Equal(t, []byte("fake-png-bytes"), status.PreviewBytes)
}

func TestPollProgressCompleted(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"active":    false,
			"completed": true,
			"progress":  0.97,
		})
	})

	status, err := client.PollProgress(context.Background(), "task-abc")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, 100.0, status.Percent)
}

func TestFetchResultsDecodesImages(t *testing.T) {
	imageA := base64.StdEncoding.EncodeToString([]byte("image-one"))
	imageB := base64.StdEncoding.EncodeToString([]byte("image-two"))
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent-scheduler/v2/results/task-abc", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": []map[string]string{
				{"image": "data:image/png;base64," + imageA, "infotext": "seed: 1"},
				{"image": imageB, "infotext": "seed: 2"},
			},
		})
	})

	results, err := client.FetchResults(context.Background(), "task-abc")
	require.NoError(t, err)
	require.Len(t, results.Images, 2)
	assert.Equal(t, []byte("image-one"), results.Images[0])
	assert.Equal(t, []byte("image-two"), results.Images[1])
	assert.Equal(t, "png", results.ImageFormat)

	var info map[string][]string
	require.NoError(t, json.Unmarshal(results.InfoBlob, &info))
	assert.Equal(t, []string{"seed: 1", "seed: 2"}, info["infotexts"])
}

func TestFetchResultsFailureIsBackendError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "task failed on backend",
		})
	})

	_, err := client.FetchResults(context.Background(), "task-abc")
	require.Error(t, err)
	assert.Equal(t, ClassBackendError, ClassOf(err))
	assert.Contains(t, err.Error(), "task failed on backend")
}

func TestCancelIgnoresNotFound(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, client.Cancel(context.Background(), "already-gone"))
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	_, _, err := decodeImage("not base64 at all!!!")
	assert.Error(t, err)
}
