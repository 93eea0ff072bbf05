package models

import "time"

// ProgressFrame is an ephemeral record of generation advancement published by
// a monitor. Not persisted except as the latest snapshot mirrored into
// Job.Result while the job is processing.
type ProgressFrame struct {
	JobID           string    `json:"job_id"`
	Percent         float64   `json:"percent"` // [0,100]
	PreviewFilename string    `json:"preview_filename,omitempty"`
	CurrentStep     int       `json:"current_step"`
	TotalSteps      int       `json:"total_steps"`
	Timestamp       time.Time `json:"timestamp"`
}
