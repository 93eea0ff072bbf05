package models

// Backend is a named remote image-generation service. Mutated only via
// administrative operations; read by admission, the dispatcher, and monitors.
type Backend struct {
	Alias   string `json:"alias" validate:"required,alphanum|contains=-"`
	BaseURL string `json:"base_url" validate:"required,url"`
	// Optional basic-auth pair. Password is never returned by list/get
	// handlers; see MaskSecrets.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// ModelRootPath is an advisory path describing where this backend loads
	// model files from. Consulted only when building path hints.
	ModelRootPath string `json:"model_root_path,omitempty"`
}

// HasAuth reports whether basic-auth credentials are configured.
func (b *Backend) HasAuth() bool {
	return b.Username != "" || b.Password != ""
}

// MaskSecrets returns a copy with the password blanked for API responses.
func (b *Backend) MaskSecrets() *Backend {
	masked := *b
	if masked.Password != "" {
		masked.Password = "[REDACTED]"
	}
	return &masked
}
