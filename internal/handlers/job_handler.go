package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// JobCanceller routes external cancels to the owning monitor when the job is
// already processing.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID string) error
}

// JobHandler serves the admission and job lifecycle routes.
type JobHandler struct {
	admission *admission.Service
	queue     interfaces.JobStorage
	canceller JobCanceller
	logger    arbor.ILogger
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(admissionSvc *admission.Service, queue interfaces.JobStorage,
	canceller JobCanceller, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		admission: admissionSvc,
		queue:     queue,
		canceller: canceller,
		logger:    logger,
	}
}

// apiKeyFrom pulls the raw secret from the request. Both the X-Api-Key
// header and a bearer token are accepted.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// GenerateV1Handler admits a job on the legacy route shape. The v1 receipt
// omits app_type and target_backend.
func (h *JobHandler) GenerateV1Handler(w http.ResponseWriter, r *http.Request) {
	receipt := h.admit(w, r)
	if receipt == nil {
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":        true,
		"job_id":         receipt.JobID,
		"queue_position": receipt.QueuePosition,
		"created_at":     receipt.CreatedAt,
	})
}

// GenerateV2Handler admits a job on the extended route shape.
func (h *JobHandler) GenerateV2Handler(w http.ResponseWriter, r *http.Request) {
	receipt := h.admit(w, r)
	if receipt == nil {
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":        true,
		"job_id":         receipt.JobID,
		"queue_position": receipt.QueuePosition,
		"created_at":     receipt.CreatedAt,
		"target_backend": receipt.TargetBackend,
		"app_type":       receipt.AppType,
	})
}

func (h *JobHandler) admit(w http.ResponseWriter, r *http.Request) *admission.Receipt {
	key, err := h.admission.Authenticate(r.Context(), apiKeyFrom(r))
	if err != nil {
		WriteError(w, err)
		return nil
	}

	var req admission.SubmitRequest
	if !DecodeJSON(w, r, &req) {
		return nil
	}

	receipt, err := h.admission.Submit(r.Context(), &req, key)
	if err != nil {
		WriteError(w, err)
		return nil
	}
	return receipt
}

// ListJobsHandler lists jobs with status/app_type filters and pagination.
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	opts := &models.JobListOptions{
		Status:  models.JobStatus(r.URL.Query().Get("status")),
		AppType: r.URL.Query().Get("app_type"),
		Limit:   QueryInt(r, "limit", 50),
		Offset:  QueryInt(r, "offset", 0),
		Order:   r.URL.Query().Get("order"),
	}

	jobs, total, err := h.queue.List(r.Context(), opts)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"total":   total,
		"jobs":    jobs,
	})
}

// StatusHandler returns a single job, with queue position and a remaining
// time estimate where they apply.
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return
	}

	response := map[string]interface{}{
		"success": true,
		"job":     job,
	}
	if job.Status == models.JobStatusPending {
		if position, err := h.queue.PendingPosition(r.Context(), jobID); err == nil && position > 0 {
			response["queue_position"] = position
		}
	}
	if remaining, ok := estimateRemaining(job); ok {
		response["estimated_time_remaining"] = remaining.Round(time.Second).String()
	}

	WriteJSON(w, http.StatusOK, response)
}

// estimateRemaining projects time to completion from elapsed time and the
// latest progress percent.
func estimateRemaining(job *models.Job) (time.Duration, bool) {
	if job.Status != models.JobStatusProcessing || job.Result == nil {
		return 0, false
	}
	percent := job.Result.Percent
	if percent <= 0 || percent >= 100 {
		return 0, false
	}
	elapsed := time.Since(job.CreatedAt)
	remaining := time.Duration(float64(elapsed) * (100 - percent) / percent)
	return remaining, true
}

// CancelHandler cancels a pending or processing job.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.canceller.CancelJob(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job_id":  jobID,
		"message": "cancellation requested",
	})
}

// DeleteHandler removes a terminal job.
func (h *JobHandler) DeleteHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.queue.Delete(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job_id":  jobID,
		"message": "job deleted",
	})
}

// RouteJob dispatches /api/v{1,2}/jobs/{id}[/status|/cancel] requests.
func (h *JobHandler) RouteJob(w http.ResponseWriter, r *http.Request, prefix string) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		WriteKindError(w, common.ErrBadRequest, "missing job id")
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "status" && r.Method == http.MethodGet:
		h.StatusHandler(w, r, jobID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.CancelHandler(w, r, jobID)
	case action == "" && r.Method == http.MethodGet:
		h.StatusHandler(w, r, jobID)
	case action == "" && r.Method == http.MethodDelete:
		h.DeleteHandler(w, r, jobID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
