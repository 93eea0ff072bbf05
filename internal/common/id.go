package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewKeyID generates a unique API key ID with the "key_" prefix.
// Format: key_<uuid>
func NewKeyID() string {
	return "key_" + uuid.New().String()
}

// NewEntryID generates a unique catalog entry ID with the "model_" prefix.
// Format: model_<uuid>
func NewEntryID() string {
	return "model_" + uuid.New().String()
}
