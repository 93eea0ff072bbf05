package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/dispatch"
	"github.com/kelsjon3/stablequeue/internal/forge"
	"github.com/kelsjon3/stablequeue/internal/handlers"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/services/events"
	storage "github.com/kelsjon3/stablequeue/internal/storage/badger"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   *events.Service

	CatalogService   *catalog.Service
	Dispatcher       *dispatch.Dispatcher
	AdmissionService *admission.Service

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	JobHandler     *handlers.JobHandler
	BackendHandler *handlers.BackendHandler
	ModelHandler   *handlers.ModelHandler
	APIKeyHandler  *handlers.APIKeyHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies. Services start in
// dependency order: storage, bus, catalog, dispatcher, then handlers.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	app.EventService = events.NewService(cfg.WebSocket.BufferSize, logger)

	storageManager, err := storage.NewManager(logger, cfg.Storage, app.EventService)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	app.CatalogService = catalog.NewService(storageManager.ModelStorage(), cfg.Catalog, logger)

	app.Dispatcher = dispatch.NewDispatcher(
		storageManager.JobStorage(),
		storageManager.BackendStorage(),
		forge.NewClientFactory(logger),
		app.EventService,
		app.CatalogService,
		cfg.Dispatcher,
		cfg.Monitor,
		cfg.Output.Dir,
		logger,
	)

	app.AdmissionService = admission.NewService(
		storageManager.JobStorage(),
		storageManager.BackendStorage(),
		storageManager.APIKeyStorage(),
		cfg.Auth.RequireAPIKey,
		logger,
	)

	app.initHandlers()

	logger.Info().
		Str("storage_dir", cfg.Storage.Dir).
		Str("output_dir", cfg.Output.Dir).
		Bool("require_api_key", cfg.Auth.RequireAPIKey).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(
		a.AdmissionService,
		a.StorageManager.JobStorage(),
		a.Dispatcher,
		a.Logger,
	)
	a.BackendHandler = handlers.NewBackendHandler(a.StorageManager.BackendStorage(), a.Logger)
	a.ModelHandler = handlers.NewModelHandler(a.CatalogService, a.Logger)
	a.APIKeyHandler = handlers.NewAPIKeyHandler(a.StorageManager.APIKeyStorage(), a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(
		a.StorageManager.JobStorage(),
		a.EventService,
		a.Config.WebSocket,
		a.Logger,
	)
}

// Start brings up the catalog and the dispatcher. Orphaned jobs from a prior
// run are adopted by the dispatcher during its start.
func (a *App) Start(ctx context.Context) error {
	if err := a.CatalogService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start catalog service: %w", err)
	}

	if err := a.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	return nil
}

// Close shuts down all components in reverse dependency order. Running
// monitors suspend their jobs; the jobs are adopted on next start.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
		a.Logger.Info().Msg("Dispatcher stopped")
	}

	if a.CatalogService != nil {
		a.CatalogService.Stop()
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
