package badger

import (
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages one Badger store. The application opens three independent
// stores (queue, catalog, registry) so each subsystem's invariants stay local
// to its own file set.
type BadgerDB struct {
	store  *badgerhold.Store
	path   string
	logger arbor.ILogger
}

// NewBadgerDB opens the Badger store at path, creating the directory when
// absent.
func NewBadgerDB(logger arbor.ILogger, path string) (*BadgerDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Options = badgerdb.DefaultOptions(path).WithLogger(nil)
	options.Dir = path
	options.ValueDir = path

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", path, err)
	}

	logger.Debug().Str("path", path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		path:   path,
		logger: logger,
	}, nil
}

// Store returns the underlying badgerhold store.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Path returns the database directory.
func (b *BadgerDB) Path() string {
	return b.path
}

// Close closes the database connection.
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// BackupTo copies the store's directory to destDir while closed-consistent
// enough for the catalog reset flow: callers must hold the store's write
// serialization before invoking it.
func (b *BadgerDB) BackupTo(destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	entries, err := os.ReadDir(b.path)
	if err != nil {
		return fmt.Errorf("failed to read database directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(b.path, entry.Name())
		dst := filepath.Join(destDir, entry.Name())
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", src, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", dst, err)
		}
	}

	return nil
}
