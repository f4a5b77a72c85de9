package core

import (
	"crypto/sha256"
	"testing"
)

// TestCompute_IdenticalInputsProduceSameFingerprint verifies that identical
// rule text and target always hash identically.
func TestCompute_IdenticalInputsProduceSameFingerprint(t *testing.T) {
	hasher := NewRuleHasher()

	rule := &Rule{
		Targets:  []string{"*.o"},
		Commands: []string{"cc -c {}.c -o {}.o"},
	}

	fp1 := hasher.Compute(rule, "main.o")
	fp2 := hasher.Compute(rule, "main.o")

	if fp1 != fp2 {
		t.Errorf("identical inputs produced different fingerprints: %s != %s", fp1, fp2)
	}
}

// TestCompute_KnownDigest pins the byte layout: targets, commands, target
// concatenated with no separators. Persisted stores depend on it.
func TestCompute_KnownDigest(t *testing.T) {
	rule := &Rule{
		Targets:  []string{"out.o", "out.d"},
		Commands: []string{"compile in.c", "touch out.d"},
	}

	want := Fingerprint(sha256.Sum256([]byte("out.oout.dcompile in.ctouch out.dout.o")))
	got := NewRuleHasher().Compute(rule, "out.o")

	if got != want {
		t.Fatalf("fingerprint layout changed:\nwant %s\ngot  %s", want, got)
	}
}

// TestCompute_CommandChangeInvalidatesFingerprint verifies any command edit
// produces a new fingerprint.
func TestCompute_CommandChangeInvalidatesFingerprint(t *testing.T) {
	hasher := NewRuleHasher()

	r1 := &Rule{Targets: []string{"a"}, Commands: []string{"echo one > a"}}
	r2 := &Rule{Targets: []string{"a"}, Commands: []string{"echo two > a"}}

	if hasher.Compute(r1, "a") == hasher.Compute(r2, "a") {
		t.Error("command change did not invalidate fingerprint")
	}
}

// TestCompute_TargetPatternChangeInvalidatesFingerprint verifies pattern edits
// produce a new fingerprint.
func TestCompute_TargetPatternChangeInvalidatesFingerprint(t *testing.T) {
	hasher := NewRuleHasher()

	r1 := &Rule{Targets: []string{"*.o"}, Commands: []string{"cc"}}
	r2 := &Rule{Targets: []string{"*.obj"}, Commands: []string{"cc"}}

	if hasher.Compute(r1, "x.o") == hasher.Compute(r2, "x.o") {
		t.Error("target pattern change did not invalidate fingerprint")
	}
}

// TestCompute_ResolvedTargetChangesFingerprint verifies one rule applied to two
// targets yields two fingerprints.
func TestCompute_ResolvedTargetChangesFingerprint(t *testing.T) {
	hasher := NewRuleHasher()
	rule := &Rule{Targets: []string{"*.o"}, Commands: []string{"cc -c {}.c"}}

	if hasher.Compute(rule, "a.o") == hasher.Compute(rule, "b.o") {
		t.Error("different targets produced the same fingerprint")
	}
}

// TestCompute_DeclaredDepsDoNotAffectFingerprint verifies declared
// dependencies are outside the identity.
func TestCompute_DeclaredDepsDoNotAffectFingerprint(t *testing.T) {
	hasher := NewRuleHasher()

	r1 := &Rule{Targets: []string{"a"}, Commands: []string{"cc"}}
	r2 := &Rule{Targets: []string{"a"}, Commands: []string{"cc"}, Deps: []string{"b"}}

	if hasher.Compute(r1, "a") != hasher.Compute(r2, "a") {
		t.Error("declared deps changed the fingerprint")
	}
}

// TestCompute_BoundaryShiftCollides documents that the concatenation has no
// delimiters.
func TestCompute_BoundaryShiftCollides(t *testing.T) {
	hasher := NewRuleHasher()

	r1 := &Rule{Targets: []string{"ab"}, Commands: []string{"c"}}
	r2 := &Rule{Targets: []string{"a"}, Commands: []string{"bc"}}

	if hasher.Compute(r1, "t") != hasher.Compute(r2, "t") {
		t.Error("expected boundary-shifted inputs to collide")
	}
}

func TestParseFingerprint_RoundTrip(t *testing.T) {
	fp := NewRuleHasher().Compute(&Rule{Targets: []string{"x"}, Commands: []string{"y"}}, "x")

	parsed, err := ParseFingerprint(fp.String())
	if err != nil {
		t.Fatalf("ParseFingerprint failed: %v", err)
	}
	if parsed != fp {
		t.Errorf("round trip mismatch: %s != %s", parsed, fp)
	}

	if _, err := ParseFingerprint("abcd"); err == nil {
		t.Error("expected error for short fingerprint")
	}
	if _, err := ParseFingerprint("zz"); err == nil {
		t.Error("expected error for non-hex fingerprint")
	}
}
