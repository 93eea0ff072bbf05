package models

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus represents the state of a generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// AppTypeForge is the default backend protocol dialect.
const AppTypeForge = "forge"

// Job represents one admitted generation request and its lifecycle record.
// The queue store is the sole source of truth for job state; the dispatcher
// claims pending jobs and a monitor drives each processing job to a terminal
// status.
type Job struct {
	ID     string    `json:"job_id"`
	Status JobStatus `json:"status"`
	// TargetBackend pins the job to a named backend; there is no cross-backend
	// load balancing.
	TargetBackend string `json:"target_backend"`
	// BackendSession is the opaque handle assigned by the backend at submit
	// time. Set at most once; empty until submission.
	BackendSession string `json:"backend_session,omitempty"`
	AppType        string `json:"app_type"`
	SourceInfo     string `json:"source_info,omitempty"`
	APIKeyID       string `json:"api_key_id,omitempty"`

	Params GenerationParams `json:"generation_params"`
	Result *JobResult       `json:"result,omitempty"`

	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerationParams carries the submitted payload verbatim plus the fields the
// core normalizes. Raw is preserved untouched and passed through to the
// backend after checkpoint canonicalization.
type GenerationParams struct {
	// CheckpointName is the canonical model reference, forward-slash
	// separated. Populated from checkpoint_name or the legacy sd_checkpoint
	// field at admission.
	CheckpointName string `json:"checkpoint_name,omitempty"`
	// CheckpointPath is the resolved local path derived by the monitor from
	// the catalog, when a match exists.
	CheckpointPath string `json:"checkpoint_path,omitempty"`
	// Raw is the submitted payload, preserved verbatim.
	Raw map[string]interface{} `json:"raw"`
}

// JobResult holds the terminal outcome of a job, or the latest progress
// snapshot while processing.
type JobResult struct {
	// Terminal success fields
	Filenames []string        `json:"filenames,omitempty"`
	InfoBlob  json.RawMessage `json:"generation_info,omitempty"`

	// Terminal failure fields
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Processing snapshot (latest progress frame)
	Percent         float64 `json:"progress_percent,omitempty"`
	PreviewFilename string  `json:"preview_filename,omitempty"`
	CurrentStep     int     `json:"current_step,omitempty"`
	TotalSteps      int     `json:"total_steps,omitempty"`
}

// NormalizeCheckpoint copies the legacy sd_checkpoint field into
// checkpoint_name when only the legacy name is present, and normalizes path
// separators to forward-slash. Returns false when no checkpoint reference
// exists at all.
func (p *GenerationParams) NormalizeCheckpoint() bool {
	name := p.CheckpointName
	if name == "" {
		if raw, ok := p.Raw["checkpoint_name"].(string); ok {
			name = raw
		}
	}
	if name == "" {
		if legacy, ok := p.Raw["sd_checkpoint"].(string); ok {
			name = legacy
		}
	}
	if name == "" {
		return false
	}

	name = strings.ReplaceAll(name, "\\", "/")
	p.CheckpointName = name
	if p.Raw != nil {
		p.Raw["checkpoint_name"] = name
	}
	return true
}

// EstimatedSteps reads the step count from the raw payload, for deadline
// estimation. Zero when absent or malformed.
func (p *GenerationParams) EstimatedSteps() int {
	switch v := p.Raw["steps"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// JobListOptions filters and paginates job listings.
type JobListOptions struct {
	Status  JobStatus
	AppType string
	Limit   int
	Offset  int
	// Order is "asc" or "desc" by creation time. Default "desc".
	Order string
}
