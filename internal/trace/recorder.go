package trace

import "sync"

// Sink receives build decisions. Record must not panic and cannot fail; the
// orchestrator assumes it may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records event, swallowing any panic from a faulty sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder collects events in memory.
//
// Thread Safety: safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of the recorded events in recording order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical BuildTrace from the events recorded so far.
func (r *Recorder) Trace(goals []string) BuildTrace {
	tr := BuildTrace{Goals: append([]string(nil), goals...), Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// Reset drops every recorded event.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
