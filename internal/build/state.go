package build

import (
	"fmt"
	"sync"
)

// TargetState is the per-run status of a target.
//
//	UNTOUCHED -> IN_PROGRESS -> REBUILT | UP_TO_DATE | FAILED
//
// The first transition is the claim that guarantees at-most-once execution
// per target per run; the terminal states are final for the run.
type TargetState string

const (
	StateUntouched  TargetState = "UNTOUCHED"
	StateInProgress TargetState = "IN_PROGRESS"
	StateRebuilt    TargetState = "REBUILT"
	StateUpToDate   TargetState = "UP_TO_DATE"
	StateFailed     TargetState = "FAILED"
)

// IsTerminal reports whether s is final for the run.
func IsTerminal(s TargetState) bool {
	switch s {
	case StateRebuilt, StateUpToDate, StateFailed:
		return true
	default:
		return false
	}
}

// runCache is the build-run cache: every target attempted in the current run
// and where it got to.
type runCache struct {
	mu     sync.Mutex
	states map[string]TargetState
}

func newRunCache() *runCache {
	return &runCache{states: make(map[string]TargetState)}
}

// claim moves target from UNTOUCHED to IN_PROGRESS. It reports false if the
// target was already attempted in this run.
func (c *runCache) claim(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.states[target]; seen {
		return false
	}
	c.states[target] = StateInProgress
	return true
}

// resolve moves a claimed target to a terminal state.
func (c *runCache) resolve(target string, to TargetState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.states[target]
	if !ok {
		return fmt.Errorf("resolve %q: target was never claimed", target)
	}
	if cur != StateInProgress {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", target, StateInProgress, cur)
	}
	if !IsTerminal(to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", target, cur, to)
	}
	c.states[target] = to
	return nil
}

func (c *runCache) state(target string) TargetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[target]; ok {
		return s
	}
	return StateUntouched
}

func (c *runCache) snapshot() map[string]TargetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TargetState, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

func (c *runCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[string]TargetState)
}
