package catalog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// modelExtensions is the file extension set treated as model files.
var modelExtensions = map[string]bool{
	".safetensors": true,
	".pt":          true,
	".ckpt":        true,
}

// previewExtensions are tried in order when locating a preview image next to
// a model file.
var previewExtensions = []string{".preview.png", ".preview.jpeg", ".preview.jpg", ".png", ".jpg"}

// Scanner walks a model tree and reconciles what it finds into the catalog
// store.
type Scanner struct {
	store  interfaces.ModelStorage
	logger arbor.ILogger
}

// NewScanner creates a scanner writing into store.
func NewScanner(store interfaces.ModelStorage, logger arbor.ILogger) *Scanner {
	return &Scanner{store: store, logger: logger}
}

// Scan walks rootDir recursively and upserts one catalog entry per model
// file. Entries with identical AutoV2 hashes collapse to one; hashless
// entries are keyed by directory plus filename.
func (s *Scanner) Scan(ctx context.Context, rootDir string) (*models.ScanStats, error) {
	stats := &models.ScanStats{}
	started := time.Now()

	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if d == nil {
				return walkErr
			}
			s.logger.Warn().Err(walkErr).Str("path", path).Msg("Skipping unreadable path during scan")
			stats.Errors++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !modelExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		stats.FilesSeen++
		if err := s.scanFile(ctx, rootDir, path, stats); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to catalog model file")
			stats.Errors++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	s.logger.Info().
		Str("root", rootDir).
		Int("files", stats.FilesSeen).
		Int("added", stats.Added).
		Int("updated", stats.Updated).
		Int("duplicates", stats.Duplicates).
		Str("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Msg("Catalog scan finished")

	return stats, nil
}

func (s *Scanner) scanFile(ctx context.Context, rootDir, path string, stats *models.ScanStats) error {
	rel, err := filepath.Rel(rootDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	localDir := ""
	if idx := strings.LastIndexByte(rel, '/'); idx >= 0 {
		localDir = rel[:idx]
	}
	filename := filepath.Base(path)

	meta := readMetadata(path)
	if meta.Source != models.SourceNone {
		stats.SidecarReads++
	}
	if meta.Status == models.MetadataError {
		stats.Rejected++
	}

	autoV2 := meta.HashAutoV2
	sha := meta.HashSHA256
	if autoV2 == "" {
		if computed, err := AutoV2Hash(path); err == nil {
			autoV2 = computed
		} else {
			s.logger.Debug().Err(err).Str("path", path).Msg("AutoV2 hashing failed")
		}
	}

	// Dedupe: same short hash means same file content, keep one entry.
	existing := s.lookupExisting(ctx, autoV2, localDir, filename)
	if existing != nil && existing.LocalPath() != rel && existing.HashAutoV2 != "" && existing.HashAutoV2 == autoV2 {
		stats.Duplicates++
		return nil
	}

	entry := existing
	isNew := entry == nil
	if isNew {
		entry = &models.CatalogEntry{}
	}

	entry.Type = inferType(localDir, filename)
	entry.Filename = filename
	entry.LocalDir = localDir
	entry.HashAutoV2 = autoV2
	if sha != "" {
		entry.HashSHA256 = sha
	}
	entry.CivitaiModelID = pickInt64(meta.ModelID, entry.CivitaiModelID)
	entry.CivitaiVersionID = pickInt64(meta.VersionID, entry.CivitaiVersionID)
	entry.Name = firstNonEmpty(meta.Name, entry.Name, strings.TrimSuffix(filename, filepath.Ext(filename)))
	entry.BaseModel = firstNonEmpty(meta.BaseModel, entry.BaseModel)
	if len(meta.TrainedWords) > 0 {
		entry.TrainedWords = meta.TrainedWords
	}
	if meta.Description != "" {
		entry.Description = meta.Description
	}
	entry.MetadataStatus = meta.Status
	entry.MetadataSource = meta.Source
	entry.PreviewPath = findPreview(path)

	if err := s.store.Upsert(ctx, entry); err != nil {
		return err
	}
	if isNew {
		stats.Added++
	} else {
		stats.Updated++
	}
	return nil
}

// lookupExisting finds the entry a rescanned file should update: AutoV2 hash
// first, then path identity.
func (s *Scanner) lookupExisting(ctx context.Context, autoV2, localDir, filename string) *models.CatalogEntry {
	if autoV2 != "" {
		if entry, err := s.store.FindByHash(ctx, autoV2, ""); err == nil {
			return entry
		}
	}
	if entry, err := s.store.FindByPath(ctx, localDir, filename); err == nil {
		return entry
	}
	return nil
}

// inferType classifies a model file from its path. Directory names containing
// "lora" and filenames with a ".lora." segment mark LoRAs; everything else is
// a checkpoint.
func inferType(localDir, filename string) models.ModelType {
	if strings.Contains(strings.ToLower(localDir), "lora") {
		return models.ModelTypeLora
	}
	if strings.Contains(strings.ToLower(filename), ".lora.") {
		return models.ModelTypeLora
	}
	return models.ModelTypeCheckpoint
}

// findPreview returns the path of a preview image stored next to the model
// file, or empty.
func findPreview(modelPath string) string {
	base := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
	for _, suffix := range previewExtensions {
		candidate := base + suffix
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func pickInt64(preferred, fallback int64) int64 {
	if preferred != 0 {
		return preferred
	}
	return fallback
}
