package interfaces

import (
	"context"
	"encoding/json"

	"github.com/kelsjon3/stablequeue/internal/models"
)

// ProgressStatus is one poll result from a backend.
type ProgressStatus struct {
	Percent      float64
	PreviewBytes []byte
	CurrentStep  int
	TotalSteps   int
	// Active is false once the backend considers the generation finished,
	// successfully or otherwise.
	Active bool
}

// GenerationResults holds the final artifacts of a generation.
type GenerationResults struct {
	Images [][]byte
	// ImageFormat is the backend-reported encoding, typically "png".
	ImageFormat string
	InfoBlob    json.RawMessage
}

// BackendClient is a stateless adapter to a single backend's REST API.
// Implementations hold no shared mutable state; errors classify via
// forge.BackendError kinds (transport, backend_busy, bad_request,
// backend_error).
type BackendClient interface {
	// Submit posts the normalized payload and returns the backend's session
	// handle (empty for synchronous-only protocols).
	Submit(ctx context.Context, params *models.GenerationParams, appType string) (string, error)
	PollProgress(ctx context.Context, session string) (*ProgressStatus, error)
	// FetchResults is idempotent and may be called once Active is false.
	FetchResults(ctx context.Context, session string) (*GenerationResults, error)
	// Cancel is best-effort and never errors on not-found.
	Cancel(ctx context.Context, session string) error
}

// BackendClientFactory builds a client bound to one backend's connection data.
type BackendClientFactory func(backend *models.Backend) BackendClient
