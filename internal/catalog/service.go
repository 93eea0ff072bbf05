// Package catalog maintains the local model catalog: a scanner that walks
// the model tree, hashing and sidecar parsing per file, and a resolver the
// monitors consult to pin a job's checkpoint reference to a known file.
package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// Service owns the catalog lifecycle: startup scan, optional cron rescans,
// resolution, and the reset operation.
type Service struct {
	store    interfaces.ModelStorage
	scanner  *Scanner
	resolver *Resolver
	cfg      common.CatalogConfig
	logger   arbor.ILogger

	scheduler *cron.Cron
	// scanMu keeps scans serial; overlapping walks of the same tree would
	// double-count stats and race on upserts.
	scanMu sync.Mutex
}

// NewService wires the scanner and resolver over the catalog store.
func NewService(store interfaces.ModelStorage, cfg common.CatalogConfig, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		scanner:  NewScanner(store, logger),
		resolver: NewResolver(store, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start runs the startup scan when configured and installs the cron rescan
// schedule when one is set.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.ScanOnStartup && s.cfg.RootDir != "" {
		if _, err := s.Scan(ctx); err != nil {
			// A failed startup scan leaves an older catalog in place, which
			// is still serviceable.
			s.logger.Warn().Err(err).Str("root", s.cfg.RootDir).Msg("Startup catalog scan failed")
		}
	}

	if s.cfg.ScanSchedule != "" && s.cfg.RootDir != "" {
		s.scheduler = cron.New()
		_, err := s.scheduler.AddFunc(s.cfg.ScanSchedule, func() {
			scanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if _, err := s.Scan(scanCtx); err != nil {
				s.logger.Warn().Err(err).Msg("Scheduled catalog scan failed")
			}
		})
		if err != nil {
			return common.Errorf(common.ErrInvalidFieldValue, "invalid scan schedule %q: %v", s.cfg.ScanSchedule, err)
		}
		s.scheduler.Start()
		s.logger.Info().Str("schedule", s.cfg.ScanSchedule).Msg("Catalog rescan schedule installed")
	}

	return nil
}

// Stop halts scheduled rescans.
func (s *Service) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Scan walks the configured model root once.
func (s *Service) Scan(ctx context.Context) (*models.ScanStats, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if s.cfg.RootDir == "" {
		return nil, common.NewAPIError(common.ErrMissingRequiredField, "no catalog root directory configured")
	}
	return s.scanner.Scan(ctx, s.cfg.RootDir)
}

// Resolve maps a checkpoint reference to a catalog entry.
func (s *Service) Resolve(ctx context.Context, params *models.GenerationParams) (*models.CatalogEntry, error) {
	return s.resolver.Resolve(ctx, params)
}

// ResolveCheckpointPath returns the backend-local path for a job's checkpoint
// and the matched entry. When nothing matches, the reference passes through
// untouched and the entry is nil; unresolvable checkpoints are the backend's
// problem to reject.
func (s *Service) ResolveCheckpointPath(ctx context.Context, params *models.GenerationParams, backend *models.Backend) (string, *models.CatalogEntry) {
	entry, err := s.Resolve(ctx, params)
	if err != nil {
		return params.CheckpointName, nil
	}

	root := ""
	if backend != nil {
		root = backend.ModelRootPath
		if root == "" {
			root = s.cfg.PathHints[strings.ToLower(backend.Alias)]
		}
	}

	local := entry.LocalPath()
	if root == "" {
		return local, entry
	}
	return strings.TrimRight(root, "/") + "/" + local, entry
}

// MarkSeen records that a backend served a job using this entry.
func (s *Service) MarkSeen(ctx context.Context, entryID, alias string) {
	if entryID == "" || alias == "" {
		return
	}
	if err := s.store.MarkAvailableOn(ctx, entryID, alias, time.Now()); err != nil {
		s.logger.Debug().Err(err).Str("entry", entryID).Str("backend", alias).Msg("Failed to record model availability")
	}
}

// List returns catalog entries, optionally filtered by type.
func (s *Service) List(ctx context.Context, opts *models.ModelListOptions) ([]*models.CatalogEntry, error) {
	return s.store.List(ctx, opts)
}

// Get returns one catalog entry by id.
func (s *Service) Get(ctx context.Context, id string) (*models.CatalogEntry, error) {
	return s.store.Get(ctx, id)
}

// Reset backs up and truncates the catalog, then runs a fresh scan when a
// root is configured. Returns the backup path.
func (s *Service) Reset(ctx context.Context) (string, error) {
	backupPath, err := s.store.Reset(ctx)
	if err != nil {
		return "", err
	}
	if s.cfg.RootDir != "" {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Post-reset catalog scan failed")
		}
	}
	return backupPath, nil
}
