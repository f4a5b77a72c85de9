package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DepStore is the persistent fingerprint -> dependency-records mapping.
//
// Semantics:
//   - Retrieve reports found=false when fp was never committed (dependencies
//     unknown, the caller must rebuild).
//   - Clear removes any prior entry before a rebuild starts, so a rebuild that
//     fails partway leaves no plausible-looking record behind.
//   - Commit stores the freshly observed records, replacing any prior entry.
//
// Implementations must be safe for concurrent use.
type DepStore interface {
	// Retrieve returns the records committed under fp.
	Retrieve(fp Fingerprint) (records []DepRecord, found bool, err error)

	// Clear removes the entry for fp. Clearing a missing entry is not an error.
	Clear(fp Fingerprint) error

	// Commit stores records under fp.
	Commit(fp Fingerprint, records []DepRecord) error

	// Close releases resources held by the store.
	Close() error
}

// FileStore implements DepStore using one JSON file per fingerprint.
//
// Structure:
//
//	{Dir}/
//	  {fp[0:2]}/
//	    {fp}.json
type FileStore struct {
	// Dir is the root directory for store files.
	Dir string

	mu sync.Mutex
}

// NewFileStore creates a filesystem-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// Retrieve reads the entry for fp.
func (s *FileStore) Retrieve(fp Fingerprint) ([]DepRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.entryPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading store entry: %w", err)
	}
	records, err := DecodeEntry(fp, data)
	if err != nil {
		return nil, false, fmt.Errorf("store entry %s: %w", fp, err)
	}
	return records, true, nil
}

// Clear removes the entry for fp.
func (s *FileStore) Clear(fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.entryPath(fp)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing store entry: %w", err)
	}
	return nil
}

// Commit writes the entry for fp atomically.
func (s *FileStore) Commit(fp Fingerprint, records []DepRecord) error {
	data, err := EncodeEntry(fp, records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.entryPath(fp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing store entry: %w", err)
	}
	return nil
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error { return nil }

// entryPath returns the file path for an entry.
// Uses the first 2 hex characters as a prefix directory to avoid
// having too many entries in a single directory.
func (s *FileStore) entryPath(fp Fingerprint) string {
	hex := fp.String()
	return filepath.Join(s.Dir, hex[:2], hex+".json")
}

// writeFileAtomic writes data to a temp file in the same directory and renames
// it into place, so a crash never leaves a truncated entry at path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// MemoryStore implements DepStore in memory.
// Useful for testing and short-lived processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Fingerprint][]DepRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Fingerprint][]DepRecord)}
}

// Retrieve returns a copy of the records stored under fp.
func (s *MemoryStore) Retrieve(fp Fingerprint) ([]DepRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.entries[fp]
	if !ok {
		return nil, false, nil
	}
	return copyRecords(records), true, nil
}

// Clear removes the entry for fp.
func (s *MemoryStore) Clear(fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

// Commit stores a copy of records under fp.
func (s *MemoryStore) Commit(fp Fingerprint, records []DepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fp] = copyRecords(records)
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error { return nil }

func copyRecords(records []DepRecord) []DepRecord {
	out := make([]DepRecord, len(records))
	copy(out, records)
	return out
}
