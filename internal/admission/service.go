// Package admission gates job submissions: credential check, backend
// resolution, checkpoint canonicalization, insert, queue position. Admission
// errors surface to the caller and create no job.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// SubmitRequest is one submission, either route version. The v1 route fills
// only the fields it knows about.
type SubmitRequest struct {
	TargetBackend    string                 `json:"target_backend" validate:"required"`
	AppType          string                 `json:"app_type" validate:"omitempty,oneof=forge"`
	SourceInfo       string                 `json:"source_info"`
	GenerationParams map[string]interface{} `json:"generation_params" validate:"required"`
}

// Receipt is the admission result returned with 202.
type Receipt struct {
	JobID         string    `json:"job_id"`
	QueuePosition int       `json:"queue_position"`
	CreatedAt     time.Time `json:"created_at"`
	TargetBackend string    `json:"target_backend"`
	AppType       string    `json:"app_type"`
}

// Service implements the admission pipeline.
type Service struct {
	queue    interfaces.JobStorage
	registry interfaces.BackendStorage
	keys     interfaces.APIKeyStorage

	requireKey bool
	validate   *validator.Validate
	logger     arbor.ILogger
}

// NewService wires the admission layer over the queue, registry, and
// credential store.
func NewService(queue interfaces.JobStorage, registry interfaces.BackendStorage,
	keys interfaces.APIKeyStorage, requireKey bool, logger arbor.ILogger) *Service {
	return &Service{
		queue:      queue,
		registry:   registry,
		keys:       keys,
		requireKey: requireKey,
		validate:   validator.New(),
		logger:     logger,
	}
}

// RequiresKey reports whether admission routes enforce credentials.
func (s *Service) RequiresKey() bool {
	return s.requireKey
}

// Authenticate resolves a raw secret to an active API key. When enforcement
// is off and no secret is given, admission proceeds anonymously.
func (s *Service) Authenticate(ctx context.Context, rawSecret string) (*models.APIKey, error) {
	if rawSecret == "" {
		if s.requireKey {
			return nil, common.NewAPIError(common.ErrUnauthorized, "api key required")
		}
		return nil, nil
	}

	key, err := s.keys.FindBySecretHash(ctx, HashSecret(rawSecret))
	if err != nil {
		return nil, err
	}
	if !key.Active {
		return nil, common.NewAPIError(common.ErrUnauthorized, "api key is disabled")
	}

	s.keys.TouchLastUsed(ctx, key.KeyID, time.Now())
	return key, nil
}

// Submit runs the full admission pipeline and inserts the job.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest, key *models.APIKey) (*Receipt, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	backend, err := s.registry.Get(ctx, req.TargetBackend)
	if err != nil {
		return nil, err
	}

	appType := req.AppType
	if appType == "" {
		appType = models.AppTypeForge
	}

	params := models.GenerationParams{Raw: req.GenerationParams}
	if appType == models.AppTypeForge {
		if !params.NormalizeCheckpoint() {
			return nil, common.NewAPIError(common.ErrBadRequest,
				"generation_params must name a checkpoint (checkpoint_name or sd_checkpoint)")
		}
	}

	job := &models.Job{
		TargetBackend: backend.Alias,
		AppType:       appType,
		SourceInfo:    req.SourceInfo,
		Params:        params,
	}
	if key != nil {
		job.APIKeyID = key.KeyID
	}

	inserted, err := s.queue.Insert(ctx, job)
	if err != nil {
		return nil, err
	}

	position, err := s.queue.PendingPosition(ctx, inserted.ID)
	if err != nil {
		// The job is admitted either way; position is advisory.
		s.logger.Debug().Err(err).Str("job_id", inserted.ID).Msg("Queue position lookup failed")
		position = 0
	}

	s.logger.Info().
		Str("job_id", inserted.ID).
		Str("backend", inserted.TargetBackend).
		Int("position", position).
		Msg("Job admitted")

	return &Receipt{
		JobID:         inserted.ID,
		QueuePosition: position,
		CreatedAt:     inserted.CreatedAt,
		TargetBackend: inserted.TargetBackend,
		AppType:       inserted.AppType,
	}, nil
}

// validationError maps validator failures onto the request-shape error kinds.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if ok := errors.As(err, &fieldErrs); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := jsonFieldName(fe.Field())
		if fe.Tag() == "required" {
			return common.Errorf(common.ErrMissingRequiredField, "missing required field: %s", field)
		}
		return common.Errorf(common.ErrInvalidFieldValue, "invalid value for field: %s", field)
	}
	return common.Errorf(common.ErrBadRequest, "invalid request: %v", err)
}

func jsonFieldName(structField string) string {
	switch structField {
	case "TargetBackend":
		return "target_backend"
	case "AppType":
		return "app_type"
	case "GenerationParams":
		return "generation_params"
	default:
		return strings.ToLower(structField)
	}
}

// HashSecret is the stored form of an API key secret.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MintKey creates a new active API key and returns it with the one-time raw
// secret. Only the hash is stored.
func MintKey(rateTier string) (*models.APIKey, string) {
	secret := "sq_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	display := secret[:6] + "..." + secret[len(secret)-4:]
	return &models.APIKey{
		DisplayKey: display,
		SecretHash: HashSecret(secret),
		Active:     true,
		RateTier:   rateTier,
	}, secret
}
