package rules

import (
	"errors"
	"fmt"
	"strings"

	"autodep/internal/core"
)

var (
	// ErrNoRule means no registered rule matches a target.
	ErrNoRule = errors.New("no rule")

	// ErrAmbiguousRule means more than one registered rule matches a target.
	ErrAmbiguousRule = errors.New("ambiguous rule")

	// ErrNoDefaultTarget means the first rule declares no targets.
	ErrNoDefaultTarget = errors.New("first rule has no targets")
)

// RuleError wraps rule resolution failures.
type RuleError struct {
	Kind   error
	Target string

	// Candidates lists the matching rules for ErrAmbiguousRule.
	Candidates []*core.Rule
}

func (e *RuleError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s for %q", e.Kind.Error(), e.Target)
	if len(e.Candidates) == 0 {
		return msg
	}
	names := make([]string, 0, len(e.Candidates))
	for _, r := range e.Candidates {
		names = append(names, r.String())
	}
	return msg + ": " + strings.Join(names, ", ")
}

func (e *RuleError) Unwrap() error { return e.Kind }

func noRule(target string) error {
	return &RuleError{Kind: ErrNoRule, Target: target}
}

func ambiguous(target string, candidates []*core.Rule) error {
	return &RuleError{Kind: ErrAmbiguousRule, Target: target, Candidates: candidates}
}
