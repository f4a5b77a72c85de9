package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint is the 256-bit identity of a rule applied to a concrete target.
//
//	Includes: target patterns, command lines, the concrete target name
//	Excludes: declared dependencies, file contents, timestamps
//
// The fingerprint is the sole key into a DepStore.
type Fingerprint [sha256.Size]byte

// String returns the lowercase hex encoding.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint decodes a hex-encoded fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("parsing fingerprint: want %d bytes, got %d", len(f), len(b))
	}
	copy(f[:], b)
	return f, nil
}

// RuleHasher computes fingerprints.
//
// The digest is SHA-256 over the byte concatenation of every target pattern,
// then every command line, then the concrete target, with no separators or
// length prefixes. Stores written by earlier versions depend on this exact
// layout, so it must not change.
//
// The lack of delimiters means ("ab", "c") and ("a", "bc") collide. Rule
// texts that differ only by where one string ends and the next begins share
// dependency records.
type RuleHasher struct{}

// NewRuleHasher creates a new RuleHasher.
func NewRuleHasher() *RuleHasher {
	return &RuleHasher{}
}

// Compute returns the fingerprint of rule applied to target.
// A nil rule hashes as a rule with no targets and no commands.
func (h *RuleHasher) Compute(rule *Rule, target string) Fingerprint {
	hasher := sha256.New()

	if rule != nil {
		for _, t := range rule.Targets {
			hasher.Write([]byte(t))
		}
		for _, c := range rule.Commands {
			hasher.Write([]byte(c))
		}
	}
	hasher.Write([]byte(target))

	var f Fingerprint
	copy(f[:], hasher.Sum(nil))
	return f
}
