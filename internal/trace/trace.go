// Package trace records the rebuild decisions of a build run.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// BuildTrace is the canonical record of why each target was or was not rebuilt.
//
// It holds logical decisions only: no timestamps, durations, process ids or
// error strings. Two runs making the same decisions produce byte-identical
// canonical JSON regardless of the order events were recorded in.
type BuildTrace struct {
	// Goals are the targets requested by the caller, in request order.
	Goals  []string
	Events []Event
}

// EventKind discriminates Event. The string values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	EventDepsUnknown   EventKind = "DependenciesUnknown"
	EventDepStale      EventKind = "DependencyStale"
	EventBuiltOnDemand EventKind = "BuiltOnDemand"
	EventRebuilt       EventKind = "TargetRebuilt"
	EventUpToDate      EventKind = "TargetUpToDate"
	EventFailed        EventKind = "TargetFailed"
)

// Stale reasons carried by EventDepStale.
const (
	ReasonRebuilt  = "Rebuilt"
	ReasonNewer    = "Newer"
	ReasonAppeared = "Appeared"
	ReasonVanished = "Vanished"
	ReasonMissing  = "Missing"
	ReasonDeclared = "DeclaredNotRecorded"
)

// Event is a single build decision.
type Event struct {
	Kind EventKind

	// Target is the target the decision is about. Required.
	Target string

	// Reason is a stable reason code, e.g. ReasonNewer.
	Reason string

	// Cause is the dependency that triggered the decision, if any.
	Cause string

	// Deps lists the recorded dependency paths for EventRebuilt.
	Deps []string
}

// Validate checks the trace is well formed.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Target == "" {
			return fmt.Errorf("events[%d].target is required for kind %q", i, e.Kind)
		}
		for j, d := range e.Deps {
			if d == "" {
				return fmt.Errorf("events[%d].deps[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form: deps are sorted,
// empty deps become nil and events are ordered by
// (target, kind, reason, cause, deps).
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Deps = sortedCopy(t.Events[i].Deps)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return lessStrings(a.Deps, b.Deps)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventDepsUnknown:
		return 10
	case EventDepStale:
		return 20
	case EventBuiltOnDemand:
		return 30
	case EventRebuilt:
		return 40
	case EventUpToDate:
		return 50
	case EventFailed:
		return 60
	default:
		return 1000
	}
}

func sortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding without mutating t.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	c := BuildTrace{Goals: t.Goals, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex digest of the canonical encoding.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"goals":`)
	goals := t.Goals
	if goals == nil {
		goals = []string{}
	}
	gb, err := json.Marshal(goals)
	if err != nil {
		return nil, err
	}
	buf.Write(gb)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "kind", string(e.Kind), true)
	writeField(&buf, "target", e.Target, false)
	writeField(&buf, "reason", e.Reason, false)
	writeField(&buf, "cause", e.Cause, false)

	if deps := sortedCopy(e.Deps); len(deps) > 0 {
		buf.WriteString(`,"deps":`)
		db, _ := json.Marshal(deps)
		buf.Write(db)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name, value string, first bool) {
	if value == "" && !first {
		return
	}
	if !first {
		buf.WriteByte(',')
	}
	buf.WriteString(`"` + name + `":`)
	vb, _ := json.Marshal(value)
	buf.Write(vb)
}
