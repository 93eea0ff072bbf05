package models

import "time"

// ModelType classifies a catalog entry.
type ModelType string

const (
	ModelTypeCheckpoint ModelType = "checkpoint"
	ModelTypeLora       ModelType = "lora"
)

// MetadataStatus describes how complete an entry's external metadata is.
type MetadataStatus string

const (
	MetadataComplete   MetadataStatus = "complete"
	MetadataPartial    MetadataStatus = "partial"
	MetadataIncomplete MetadataStatus = "incomplete"
	MetadataNone       MetadataStatus = "none"
	MetadataError      MetadataStatus = "error"
)

// MetadataSource records where an entry's metadata was read from.
type MetadataSource string

const (
	SourceSidecarPrimary   MetadataSource = "sidecar_primary"   // <basename>.json
	SourceSidecarSecondary MetadataSource = "sidecar_secondary" // <basename>.civitai.json
	SourceEmbedded         MetadataSource = "embedded"          // safetensors header
	SourceNone             MetadataSource = "none"
)

// CatalogEntry is one row per locally present model file. Uniqueness:
// VersionID when present, else (Filename, LocalDir). Entries with identical
// AutoV2 hashes collapse to one.
type CatalogEntry struct {
	ID       string    `json:"id"`
	Type     ModelType `json:"type"`
	Filename string    `json:"filename"`
	LocalDir string    `json:"local_dir"`

	HashAutoV2 string `json:"hash_autov2,omitempty"` // 10 hex chars
	HashSHA256 string `json:"hash_sha256,omitempty"` // 64 hex chars

	// External catalog identifiers and display fields.
	CivitaiModelID   int64    `json:"civitai_model_id,omitempty"`
	CivitaiVersionID int64    `json:"civitai_version_id,omitempty"`
	Name             string   `json:"name,omitempty"`
	BaseModel        string   `json:"base_model,omitempty"`
	TrainedWords     []string `json:"trained_words,omitempty"`
	PreviewPath      string   `json:"preview_path,omitempty"`
	Description      string   `json:"description,omitempty"`

	MetadataStatus MetadataStatus `json:"metadata_status"`
	MetadataSource MetadataSource `json:"metadata_source"`

	// SeenOnBackends maps a backend alias to the last time this entry was
	// confirmed available there.
	SeenOnBackends map[string]time.Time `json:"seen_on_backends,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocalPath returns the entry's directory-joined relative path with
// forward-slash separators, matching the checkpoint reference format.
func (e *CatalogEntry) LocalPath() string {
	if e.LocalDir == "" {
		return e.Filename
	}
	return e.LocalDir + "/" + e.Filename
}

// ModelListOptions filters catalog listings.
type ModelListOptions struct {
	Type ModelType
}

// ScanStats summarizes one catalog scan pass.
type ScanStats struct {
	FilesSeen    int `json:"files_seen"`
	Added        int `json:"added"`
	Updated      int `json:"updated"`
	Duplicates   int `json:"duplicates"`
	Rejected     int `json:"rejected"`
	SidecarReads int `json:"sidecar_reads"`
	Errors       int `json:"errors"`
}
