// Package rules holds the declared rules of a build and resolves targets to
// exactly one of them.
package rules

import (
	"fmt"

	"autodep/internal/core"
	"autodep/internal/match"
)

type entry struct {
	rule     *core.Rule
	patterns []*match.Pattern
}

// Resolution is the result of matching a target against the registry.
type Resolution struct {
	Rule *core.Rule

	// Pattern is the first target pattern of Rule that matched.
	Pattern string

	// Capture binds the wildcards of Pattern for command expansion.
	Capture match.Capture
}

// Registry is an ordered collection of rules.
//
// A Registry is filled while a build description is loaded and only read
// afterwards; it is not safe for concurrent Register calls.
type Registry struct {
	entries []entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends rule in declaration order. Rules whose target patterns do
// not compile are rejected.
func (r *Registry) Register(rule *core.Rule) error {
	if rule == nil {
		return fmt.Errorf("register: rule is nil")
	}
	e := entry{rule: rule, patterns: make([]*match.Pattern, 0, len(rule.Targets))}
	for _, t := range rule.Targets {
		p, err := match.Compile(t)
		if err != nil {
			return fmt.Errorf("register %s: %w", rule, err)
		}
		e.patterns = append(e.patterns, p)
	}
	r.entries = append(r.entries, e)
	return nil
}

// Len returns the number of registered rules.
func (r *Registry) Len() int { return len(r.entries) }

// Rules returns the registered rules in declaration order.
func (r *Registry) Rules() []*core.Rule {
	out := make([]*core.Rule, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.rule
	}
	return out
}

// Lookup resolves target to a rule.
//
// A target no rule matches is an expected miss: found is false and err is nil.
// A target several rules match is an error wrapping ErrAmbiguousRule, whatever
// the registration order.
func (r *Registry) Lookup(target string) (Resolution, bool, error) {
	var (
		res     Resolution
		matches []*core.Rule
	)
	for _, e := range r.entries {
		for _, p := range e.patterns {
			c, ok := p.Match(target)
			if !ok {
				continue
			}
			if len(matches) == 0 {
				res = Resolution{Rule: e.rule, Pattern: p.String(), Capture: c}
			}
			matches = append(matches, e.rule)
			break
		}
	}

	switch len(matches) {
	case 0:
		return Resolution{}, false, nil
	case 1:
		return res, true, nil
	default:
		return Resolution{}, false, ambiguous(target, matches)
	}
}

// Find is Lookup with a miss reported as an error wrapping ErrNoRule.
func (r *Registry) Find(target string) (Resolution, error) {
	res, found, err := r.Lookup(target)
	if err != nil {
		return Resolution{}, err
	}
	if !found {
		return Resolution{}, noRule(target)
	}
	return res, nil
}

// CanBeBuilt reports whether file exists or exactly one rule produces it.
// exists answers the first question, so relative names resolve wherever the
// caller keeps its files. Resolution failures count as "no".
func (r *Registry) CanBeBuilt(file string, exists func(string) bool) bool {
	if exists != nil && exists(file) {
		return true
	}
	_, err := r.Find(file)
	return err == nil
}

// DefaultTargets returns the target patterns of the first registered rule,
// the implicit goal when the caller names none. An empty registry yields no
// targets; a first rule without targets is an error.
func (r *Registry) DefaultTargets() ([]string, error) {
	if len(r.entries) == 0 {
		return nil, nil
	}
	first := r.entries[0].rule
	if len(first.Targets) == 0 {
		return nil, &RuleError{Kind: ErrNoDefaultTarget, Target: first.String()}
	}
	out := make([]string, len(first.Targets))
	copy(out, first.Targets)
	return out, nil
}
