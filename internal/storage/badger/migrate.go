package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/kelsjon3/stablequeue/internal/models"
)

// schemaMeta records the migration state of one store. Each store migrates
// independently at construction; steps are additive only. Destructive changes
// go through the catalog's explicit Reset, which backs up first.
type schemaMeta struct {
	Store     string
	Version   int
	AppliedAt time.Time
}

const schemaMetaKey = "schema"

// migration is one additive schema step.
type migration struct {
	version int
	apply   func(db *BadgerDB) error
}

// migrate brings the store up to the latest version for its migration list.
// Idempotent: already-applied versions are skipped.
func migrate(db *BadgerDB, storeName string, migrations []migration, logger arbor.ILogger) error {
	var meta schemaMeta
	err := db.Store().Get(schemaMetaKey, &meta)
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to read schema metadata: %w", err)
	}
	if err == badgerhold.ErrNotFound {
		meta = schemaMeta{Store: storeName, Version: 0}
	}

	for _, m := range migrations {
		if m.version <= meta.Version {
			continue
		}
		if m.apply != nil {
			if err := m.apply(db); err != nil {
				return fmt.Errorf("migration %d for %s store failed: %w", m.version, storeName, err)
			}
		}
		meta.Version = m.version
		meta.AppliedAt = time.Now()
		if err := db.Store().Upsert(schemaMetaKey, &meta); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		logger.Debug().
			Str("store", storeName).
			Int("version", m.version).
			Msg("Schema migration applied")
	}

	return nil
}

// queueMigrations is the additive migration list for the queue store.
var queueMigrations = []migration{
	{version: 1}, // initial schema; badgerhold creates indexes lazily
}

// catalogMigrations is the additive migration list for the catalog store.
var catalogMigrations = []migration{
	{version: 1},
	{version: 2, apply: backfillSeenOnBackends},
}

// registryMigrations is the additive migration list for the registry store
// (backends + API keys).
var registryMigrations = []migration{
	{version: 1},
}

// backfillSeenOnBackends initializes the per-backend availability map on
// entries written before the field existed.
func backfillSeenOnBackends(db *BadgerDB) error {
	var entries []models.CatalogEntry
	if err := db.Store().Find(&entries, badgerhold.Where("ID").Ne("")); err != nil {
		return err
	}
	for i := range entries {
		if entries[i].SeenOnBackends != nil {
			continue
		}
		entries[i].SeenOnBackends = map[string]time.Time{}
		if err := db.Store().Upsert(entries[i].ID, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}
