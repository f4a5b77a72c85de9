package core

// DepRecord is a single dependency observed while a rule executed.
//
// Existed distinguishes "the file was there" from "the file was probed but
// absent". Both states are tracked: a dependency appearing or disappearing
// between builds is a staleness signal independent of timestamps.
type DepRecord struct {
	// Path is the dependency path, relative to the work directory when the
	// file lives underneath it.
	Path string `json:"path"`

	// Existed is whether the file existed when it was captured.
	Existed bool `json:"existed"`
}

// DepSet is an insertion-ordered set of dependency records keyed by path.
//
// The first record for a path wins; later observations of the same path within
// one rule execution are ignored.
type DepSet struct {
	records []DepRecord
	index   map[string]int
}

// NewDepSet creates an empty DepSet.
func NewDepSet() *DepSet {
	return &DepSet{index: make(map[string]int)}
}

// Add records a dependency if its path has not been seen yet.
// It reports whether the record was added.
func (s *DepSet) Add(rec DepRecord) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, seen := s.index[rec.Path]; seen {
		return false
	}
	s.index[rec.Path] = len(s.records)
	s.records = append(s.records, rec)
	return true
}

// Has reports whether path has been recorded.
func (s *DepSet) Has(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Records returns a copy of the records in insertion order.
func (s *DepSet) Records() []DepRecord {
	out := make([]DepRecord, len(s.records))
	copy(out, s.records)
	return out
}
