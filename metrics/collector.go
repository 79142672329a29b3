// Package metrics provides per-run metrics collection.
//
// The Collector accumulates counters during a single run. It is a leaf
// package with no internal dependencies. Journal counters are absorbed
// from journal stats at run completion rather than recorded live, to
// avoid double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of run metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after
// creation.
type Snapshot struct {
	// Node lifecycle
	NodesDispatched  int64
	NodesSucceeded   int64
	NodesRetried     int64
	NodesFailed      int64
	NodesSkipped     int64
	NodesCompensated int64

	// Dedup and guards
	IdempotencyHits  int64
	BreakerFastFails int64

	// Contract enforcement
	ChecksFailed int64

	// Journal (absorbed at run completion)
	JournalAppended int64
	JournalErrors   int64

	// Dimensions (informational, set at construction)
	Pipeline string
	RunID    string
	Backend  string
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver
// safe so optional wiring stays unconditional at call sites.
type Collector struct {
	mu sync.Mutex

	nodesDispatched  int64
	nodesSucceeded   int64
	nodesRetried     int64
	nodesFailed      int64
	nodesSkipped     int64
	nodesCompensated int64

	idempotencyHits  int64
	breakerFastFails int64
	checksFailed     int64

	journalAppended int64
	journalErrors   int64

	pipeline string
	runID    string
	backend  string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(pipeline, runID, backend string) *Collector {
	return &Collector{
		pipeline: pipeline,
		runID:    runID,
		backend:  backend,
	}
}

// IncNodesDispatched records a handler dispatch.
func (c *Collector) IncNodesDispatched() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.nodesDispatched++
	c.mu.Unlock()
}

// IncNodesSucceeded records a node reaching SUCCEEDED.
func (c *Collector) IncNodesSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.nodesSucceeded++
	c.mu.Unlock()
}

// AddNodeRetries records re-attempts beyond a node's first try.
func (c *Collector) AddNodeRetries(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.nodesRetried += n
	c.mu.Unlock()
}

// IncNodesFailed records a node reaching FAILED_FATAL.
func (c *Collector) IncNodesFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.nodesFailed++
	c.mu.Unlock()
}

// IncNodesSkipped records a node skipped due to an upstream failure.
func (c *Collector) IncNodesSkipped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.nodesSkipped++
	c.mu.Unlock()
}

// IncNodesCompensated records a completed compensating action.
func (c *Collector) IncNodesCompensated() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.nodesCompensated++
	c.mu.Unlock()
}

// IncIdempotencyHits records a dispatch short-circuited by a stored
// result.
func (c *Collector) IncIdempotencyHits() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.idempotencyHits++
	c.mu.Unlock()
}

// IncBreakerFastFails records a dispatch refused by an open circuit.
func (c *Collector) IncBreakerFastFails() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.breakerFastFails++
	c.mu.Unlock()
}

// IncChecksFailed records a failed contract check.
func (c *Collector) IncChecksFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.checksFailed++
	c.mu.Unlock()
}

// AbsorbJournalStats copies journal counters into the collector.
// Called once with the final journal stats snapshot.
func (c *Collector) AbsorbJournalStats(appended, errs int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalAppended = appended
	c.journalErrors = errs
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		NodesDispatched:  c.nodesDispatched,
		NodesSucceeded:   c.nodesSucceeded,
		NodesRetried:     c.nodesRetried,
		NodesFailed:      c.nodesFailed,
		NodesSkipped:     c.nodesSkipped,
		NodesCompensated: c.nodesCompensated,
		IdempotencyHits:  c.idempotencyHits,
		BreakerFastFails: c.breakerFastFails,
		ChecksFailed:     c.checksFailed,
		JournalAppended:  c.journalAppended,
		JournalErrors:    c.journalErrors,
		Pipeline:         c.pipeline,
		RunID:            c.runID,
		Backend:          c.backend,
	}
}
