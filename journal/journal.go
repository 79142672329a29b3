// Package journal provides the append-only transition log for runs.
//
// Every status transition the scheduler persists is also appended
// here, one JSON line per transition, giving an audit trail that the
// run-state snapshot (which only keeps the latest state per node)
// cannot provide.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/justapithecus/gantry/types"
)

// Entry is one recorded transition. NodeID is empty for run-level
// transitions.
type Entry struct {
	RunID   string               `json:"run_id"`
	NodeID  string               `json:"node_id,omitempty"`
	From    types.Status         `json:"from,omitempty"`
	To      types.Status         `json:"to,omitempty"`
	RunFrom types.RunStatus      `json:"run_from,omitempty"`
	RunTo   types.RunStatus      `json:"run_to,omitempty"`
	Attempt int                  `json:"attempt,omitempty"`
	Error   string               `json:"error,omitempty"`
	Checks  []types.CheckOutcome `json:"checks,omitempty"`
	At      time.Time            `json:"at"`
}

// Journal records transitions. Implementations must be safe for
// concurrent use; the scheduler appends from its single-writer loop
// but compensations may log from workers.
type Journal interface {
	// Append records one transition. Append errors are surfaced to
	// the caller but must leave the journal usable.
	Append(ctx context.Context, e *Entry) error

	// Flush forces buffered entries to stable storage. Called at
	// terminal run states and on shutdown.
	Flush(ctx context.Context) error

	// Close releases journal resources.
	Close() error

	// Stats returns an atomic snapshot of journal counters.
	Stats() Stats
}

// Stats are journal observability counters.
type Stats struct {
	// Appended is the number of entries accepted.
	Appended int64
	// Flushes is the number of flush operations.
	Flushes int64
	// Errors is the count of append/flush failures.
	Errors int64
}

// statsRecorder is an internal helper for thread-safe stats counters.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) incAppended() {
	r.mu.Lock()
	r.stats.Appended++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlushes() {
	r.mu.Lock()
	r.stats.Flushes++
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Nop is a journal that discards everything. Used when auditing is
// disabled.
type Nop struct{}

// Append discards the entry.
func (Nop) Append(context.Context, *Entry) error { return nil }

// Flush is a no-op.
func (Nop) Flush(context.Context) error { return nil }

// Close is a no-op.
func (Nop) Close() error { return nil }

// Stats returns zeroes.
func (Nop) Stats() Stats { return Stats{} }
