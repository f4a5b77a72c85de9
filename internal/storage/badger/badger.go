// Package badger provides a BadgerDB-backed dependency store.
//
// Every key is the 32-byte fingerprint behind a fixed prefix; every value is the
// stable JSON encoding produced by core.EncodeEntry. The database directory
// survives process restarts, so dependency records recorded by one build are
// read back by the next.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"autodep/internal/core"
)

// keyPrefix namespaces dependency entries inside the database.
var keyPrefix = []byte("deps/")

var _ core.DepStore = (*Store)(nil)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a durable configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements core.DepStore on top of BadgerDB.
//
// Thread Safety: safe for concurrent use; every operation runs in its own
// transaction.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) a store with the given configuration.
// The caller must Close the store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

func entryKey(fp core.Fingerprint) []byte {
	key := make([]byte, 0, len(keyPrefix)+len(fp))
	key = append(key, keyPrefix...)
	return append(key, fp[:]...)
}

// Retrieve returns the records committed under fp.
func (s *Store) Retrieve(fp core.Fingerprint) ([]core.DepRecord, bool, error) {
	var records []core.DepRecord
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := core.DecodeEntry(fp, val)
			if err != nil {
				return err
			}
			records = decoded
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("retrieve %s: %w", fp, err)
	}
	return records, found, nil
}

// Clear deletes the entry for fp.
func (s *Store) Clear(fp core.Fingerprint) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(fp))
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", fp, err)
	}
	return nil
}

// Commit stores records under fp, replacing any prior entry.
func (s *Store) Commit(fp core.Fingerprint, records []core.DepRecord) error {
	data, err := core.EncodeEntry(fp, records)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(fp), data)
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", fp, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
