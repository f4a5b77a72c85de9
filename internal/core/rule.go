package core

import (
	"fmt"
	"strings"
)

// Rule is a declarative build recipe.
//
// Targets are matcher patterns (wildcard `*`, backreference `{}`), Commands are
// run in order when the rule fires, and Deps are optional explicitly declared
// dependency patterns. Dynamically discovered dependencies never live on the
// Rule; they are kept in a DepStore keyed by Fingerprint.
//
// A Rule is populated once while a build description is loaded and must not be
// mutated after it has been registered.
type Rule struct {
	// Targets are the target patterns in declaration order.
	Targets []string `json:"targets" yaml:"targets"`

	// Deps are explicitly declared dependency patterns.
	// Optional field.
	Deps []string `json:"deps,omitempty" yaml:"deps,omitempty"`

	// Commands are the command lines executed, in order, to build a target.
	Commands []string `json:"commands" yaml:"commands"`

	// Origin describes where the rule was declared (e.g. "Autodepfile:12").
	// Used only for error reporting; does not affect identity.
	Origin string `json:"-" yaml:"-"`
}

// AddTarget appends a target pattern.
func (r *Rule) AddTarget(target string) {
	r.Targets = append(r.Targets, target)
}

// AddDependency appends a declared dependency pattern.
func (r *Rule) AddDependency(dep string) {
	r.Deps = append(r.Deps, dep)
}

// AddCommand appends a command line.
func (r *Rule) AddCommand(command string) {
	r.Commands = append(r.Commands, command)
}

// Inert reports whether the rule can never fire: a rule with no targets or no
// commands is never selected to build anything.
func (r *Rule) Inert() bool {
	return r == nil || len(r.Targets) == 0 || len(r.Commands) == 0
}

// String returns a short description for logs and error messages.
func (r *Rule) String() string {
	if r == nil {
		return "Rule(<nil>)"
	}
	s := fmt.Sprintf("Rule(%s)", strings.Join(r.Targets, " "))
	if r.Origin != "" {
		s += " at " + r.Origin
	}
	return s
}
