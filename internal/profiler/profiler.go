// Package profiler records per-node and per-session timing events during
// execution, as an observer only: a nil *Profiler is valid everywhere and
// records nothing, so profiling never affects correctness.
//
// Events are written out as a single JSON document, one run id per profiler.
package profiler

import (
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event is one recorded timing measurement.
type Event struct {
	Category string            `json:"cat"`
	Name     string            `json:"name"`
	StartUS  int64             `json:"ts"`
	DurUS    int64             `json:"dur"`
	Args     map[string]string `json:"args,omitempty"`
}

// Profiler accumulates events for one session. Safe for concurrent use.
type Profiler struct {
	runID   string
	created time.Time

	mu     sync.Mutex
	events []Event
}

// New creates an enabled profiler with a fresh run id.
func New() *Profiler {
	return &Profiler{
		runID:   uuid.NewString(),
		created: time.Now(),
	}
}

// IsEnabled reports whether events will be recorded. False for nil.
func (p *Profiler) IsEnabled() bool { return p != nil }

// RunID of this profiler, "" for nil.
func (p *Profiler) RunID() string {
	if p == nil {
		return ""
	}
	return p.runID
}

// StartTime returns the timestamp to later hand to RecordNodeEvent or
// RecordSessionEvent. Zero for nil profilers.
func (p *Profiler) StartTime() time.Time {
	if p == nil {
		return time.Time{}
	}
	return time.Now()
}

// RecordNodeEvent records a node-scoped event started at start.
func (p *Profiler) RecordNodeEvent(name string, start time.Time, args map[string]string) {
	p.record("Node", name, start, args)
}

// RecordSessionEvent records a session-scoped event started at start.
func (p *Profiler) RecordSessionEvent(name string, start time.Time) {
	p.record("Session", name, start, nil)
}

func (p *Profiler) record(category, name string, start time.Time, args map[string]string) {
	if p == nil || start.IsZero() {
		return
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{
		Category: category,
		Name:     name,
		StartUS:  start.Sub(p.created).Microseconds(),
		DurUS:    now.Sub(start).Microseconds(),
		Args:     args,
	})
}

// NumEvents recorded so far.
func (p *Profiler) NumEvents() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Save writes the recorded events as one JSON document.
func (p *Profiler) Save(w io.Writer) error {
	if p == nil {
		return errors.New("cannot save events of a nil (disabled) profiler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := struct {
		RunID  string  `json:"run_id"`
		Events []Event `json:"events"`
	}{RunID: p.runID, Events: p.events}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return errors.Wrapf(encoder.Encode(&doc), "failed to encode profile for run %s", p.runID)
}
