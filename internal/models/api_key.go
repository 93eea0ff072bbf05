package models

import "time"

// APIKey is an admitting credential. The secret is stored as a SHA-256 hash;
// DisplayKey keeps the first and last characters for identification.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	DisplayKey string     `json:"display_key"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Active     bool       `json:"active"`
	RateTier   string     `json:"rate_tier,omitempty"`
	// CustomLimits overrides the tier's limits per key, when set.
	CustomLimits map[string]int `json:"custom_limits,omitempty"`
}
