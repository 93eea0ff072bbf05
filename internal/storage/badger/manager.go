package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
)

// Manager implements the StorageManager interface over three independent
// Badger stores: queue, catalog, and registry (backends + API keys). Each
// store migrates independently at construction.
type Manager struct {
	queueDB    *BadgerDB
	catalogDB  *BadgerDB
	registryDB *BadgerDB

	job     interfaces.JobStorage
	backend interfaces.BackendStorage
	model   interfaces.ModelStorage
	apiKey  interfaces.APIKeyStorage

	logger arbor.ILogger
}

// NewManager opens the three stores under the configured storage directory
// and runs each store's idempotent additive migration step.
func NewManager(logger arbor.ILogger, cfg common.StorageConfig, events interfaces.EventService) (*Manager, error) {
	queueDB, err := NewBadgerDB(logger, cfg.QueuePath())
	if err != nil {
		return nil, err
	}
	catalogDB, err := NewBadgerDB(logger, cfg.CatalogPath())
	if err != nil {
		queueDB.Close()
		return nil, err
	}
	registryDB, err := NewBadgerDB(logger, cfg.RegistryPath())
	if err != nil {
		queueDB.Close()
		catalogDB.Close()
		return nil, err
	}

	for _, step := range []struct {
		db         *BadgerDB
		name       string
		migrations []migration
	}{
		{queueDB, "queue", queueMigrations},
		{catalogDB, "catalog", catalogMigrations},
		{registryDB, "registry", registryMigrations},
	} {
		if err := migrate(step.db, step.name, step.migrations, logger); err != nil {
			queueDB.Close()
			catalogDB.Close()
			registryDB.Close()
			return nil, err
		}
	}

	manager := &Manager{
		queueDB:    queueDB,
		catalogDB:  catalogDB,
		registryDB: registryDB,
		job:        NewJobStorage(queueDB, events, logger),
		backend:    NewBackendStorage(registryDB, logger),
		model:      NewModelStorage(catalogDB, logger),
		apiKey:     NewAPIKeyStorage(registryDB, logger),
		logger:     logger,
	}

	logger.Info().
		Str("dir", cfg.Dir).
		Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the job queue storage interface.
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// BackendStorage returns the backend registry storage interface.
func (m *Manager) BackendStorage() interfaces.BackendStorage {
	return m.backend
}

// ModelStorage returns the catalog storage interface.
func (m *Manager) ModelStorage() interfaces.ModelStorage {
	return m.model
}

// APIKeyStorage returns the API key storage interface.
func (m *Manager) APIKeyStorage() interfaces.APIKeyStorage {
	return m.apiKey
}

// Close closes all three store connections.
func (m *Manager) Close() error {
	var firstErr error
	for _, db := range []*BadgerDB{m.queueDB, m.catalogDB, m.registryDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
