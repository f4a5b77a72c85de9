package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// entryFormatVersion is bumped whenever the encoded layout changes.
const entryFormatVersion = 1

// storedEntry is the on-disk layout of a DepStore value.
type storedEntry struct {
	Version     int         `json:"version"`
	Fingerprint string      `json:"fingerprint"`
	Deps        []DepRecord `json:"deps"`
}

// EncodeEntry serializes the dependency records stored under fp.
//
// The encoding is indented JSON with a trailing newline, so identical inputs
// always produce identical bytes.
func EncodeEntry(fp Fingerprint, records []DepRecord) ([]byte, error) {
	entry := storedEntry{
		Version:     entryFormatVersion,
		Fingerprint: fp.String(),
		Deps:        records,
	}
	// Ensure deps is serialized as [] rather than null.
	if entry.Deps == nil {
		entry.Deps = []DepRecord{}
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeEntry parses bytes produced by EncodeEntry.
//
// Decoding is strict: unknown fields, trailing data, a version mismatch or a
// fingerprint that does not match fp are all errors.
func DecodeEntry(fp Fingerprint, data []byte) ([]DepRecord, error) {
	var entry storedEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	// Ensure no trailing junk.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("decode entry: trailing content")
	}
	if entry.Version != entryFormatVersion {
		return nil, fmt.Errorf("decode entry: unsupported version %d", entry.Version)
	}
	if entry.Fingerprint != fp.String() {
		return nil, fmt.Errorf("decode entry: fingerprint mismatch (stored %s)", entry.Fingerprint)
	}
	if entry.Deps == nil {
		return nil, errors.New("decode entry: deps must be an array (not null)")
	}
	return entry.Deps, nil
}
