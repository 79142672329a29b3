// Package runtime executes pipeline runs. The scheduler owns the
// dispatch loop, the bounded worker pool, every status transition, and
// the durable checkpoint after each transition; on a fatal node failure
// it cancels in-flight work and unwinds committed stages in reverse
// topological order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/justapithecus/gantry/breaker"
	"github.com/justapithecus/gantry/journal"
	"github.com/justapithecus/gantry/log"
	"github.com/justapithecus/gantry/metrics"
	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/retry"
	"github.com/justapithecus/gantry/store"
	"github.com/justapithecus/gantry/types"
)

// Config assembles a scheduler's collaborators.
type Config struct {
	// Pipeline is the validated stage graph to execute. Required.
	Pipeline *pipeline.Pipeline

	// Meta identifies the run. Optional for Execute, which mints a
	// fresh identity when nil; Resume restores it from persisted state.
	Meta *types.RunMeta

	// Input is the run-level input, exposed to every stage under the
	// "input" key of its resolved inputs.
	Input map[string]any

	// Runs is the durable run-state store. Required.
	Runs store.RunStore

	// Idempotency deduplicates stage execution across retries and
	// resumes. Optional; nil disables dedup.
	Idempotency store.IdempotencyStore

	// Breakers guards external dependencies. An empty registry is
	// created when nil.
	Breakers *breaker.Registry

	// Retries executes handler attempts under backoff. Built over
	// Breakers when nil; inject one to control sleeping in tests.
	Retries *retry.Executor

	// DefaultRetry applies to stages that declare no policy of their
	// own. Defaults to retry.DefaultPolicy.
	DefaultRetry *retry.Policy

	// Journal receives every transition for audit. Nop when nil.
	Journal journal.Journal

	// Logger receives structured run logs. Built from the run identity
	// when nil.
	Logger *log.Logger

	// Workers bounds concurrent handler invocations. Defaults to the
	// number of CPUs.
	Workers int

	// Backend labels the metrics snapshot with the store backend name.
	Backend string
}

// Scheduler drives one run of one pipeline to a terminal state.
// Create a fresh Scheduler per run; it is not reusable.
type Scheduler struct {
	pipe    *pipeline.Pipeline
	meta    *types.RunMeta
	input   map[string]any
	runs    store.RunStore
	idem    store.IdempotencyStore
	retries *retry.Executor
	policy  retry.Policy
	journal journal.Journal
	logger  *log.Logger
	stats   *metrics.Collector
	workers int64
	backend string
}

// New validates the configuration and builds a scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg == nil || cfg.Pipeline == nil {
		return nil, errors.New("scheduler: pipeline is required")
	}
	if cfg.Runs == nil {
		return nil, errors.New("scheduler: run store is required")
	}

	brks := cfg.Breakers
	if brks == nil {
		brks = breaker.NewRegistry(breaker.DefaultSettings)
	}
	retries := cfg.Retries
	if retries == nil {
		retries = retry.NewExecutor(brks)
	}
	policy := retry.DefaultPolicy
	if cfg.DefaultRetry != nil {
		policy = *cfg.DefaultRetry
	}
	jnl := cfg.Journal
	if jnl == nil {
		jnl = journal.Nop{}
	}
	workers := int64(cfg.Workers)
	if workers <= 0 {
		workers = int64(goruntime.NumCPU())
	}
	backend := cfg.Backend
	if backend == "" {
		backend = "local"
	}

	return &Scheduler{
		pipe:    cfg.Pipeline,
		meta:    cfg.Meta,
		input:   cfg.Input,
		runs:    cfg.Runs,
		idem:    cfg.Idempotency,
		retries: retries,
		policy:  policy,
		journal: jnl,
		logger:  cfg.Logger,
		workers: workers,
		backend: backend,
	}, nil
}

// Execute starts a fresh run and drives it to a terminal state.
func (s *Scheduler) Execute(ctx context.Context) (*RunResult, error) {
	if s.meta == nil {
		s.meta = types.NewRunMeta(s.pipe.Name)
	}
	if err := s.meta.Validate(); err != nil {
		return nil, err
	}

	state := types.NewRunState(s.meta, s.pipe.NodeIDs())
	if err := s.runs.SaveRun(ctx, state); err != nil {
		return nil, fmt.Errorf("persist initial run state: %w", err)
	}
	return s.run(ctx, state)
}

// Resume reloads a checkpointed run and drives it to a terminal state.
// Nodes already resolved (SUCCEEDED, SKIPPED, COMPENSATED) are never
// re-dispatched; interrupted and retryable nodes go back to PENDING
// with their attempt counts preserved. A node caught mid-compensation
// is recorded as COMPENSATION_FAILED, since whether its compensating
// action committed is unknowable.
func (s *Scheduler) Resume(ctx context.Context, runID string) (*RunResult, error) {
	state, err := s.runs.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state.Pipeline != s.pipe.Name {
		return nil, fmt.Errorf("run %s belongs to pipeline %q, not %q", runID, state.Pipeline, s.pipe.Name)
	}
	if err := s.checkNodeSet(state); err != nil {
		return nil, err
	}
	s.meta = state.Meta()

	if state.Status == types.RunCompleted {
		return &RunResult{
			Meta:    s.meta,
			Outcome: DetermineOutcome(s.pipe, state),
			State:   state,
		}, nil
	}

	// Recovery normalization happens before the single-writer loop
	// starts, outside the transition table.
	now := time.Now().UTC()
	for _, n := range state.Nodes {
		switch n.Status {
		case types.StatusRunning, types.StatusFailedRetryable:
			n.Status = types.StatusPending
			n.UpdatedAt = now
		case types.StatusCompensating:
			n.Status = types.StatusCompensationFailed
			n.LastError = "interrupted during compensation"
			n.UpdatedAt = now
		}
	}
	state.Status = types.RunRunning
	state.UpdatedAt = now
	if err := s.runs.SaveRun(ctx, state); err != nil {
		return nil, fmt.Errorf("persist resumed run state: %w", err)
	}
	return s.run(ctx, state)
}

// checkNodeSet rejects resume when the pipeline definition and the
// persisted run no longer agree on the set of stages.
func (s *Scheduler) checkNodeSet(state *types.RunState) error {
	ids := s.pipe.NodeIDs()
	if len(ids) != len(state.Nodes) {
		return fmt.Errorf("run %s has %d stages but pipeline %q declares %d",
			state.RunID, len(state.Nodes), s.pipe.Name, len(ids))
	}
	for _, id := range ids {
		if state.Nodes[id] == nil {
			return fmt.Errorf("run %s has no state for stage %q", state.RunID, id)
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, state *types.RunState) (*RunResult, error) {
	start := time.Now()
	if s.logger == nil {
		s.logger = log.NewLogger(s.meta)
	}
	s.stats = metrics.NewCollector(s.meta.Pipeline, s.meta.RunID, s.backend)

	if state.Status != types.RunRunning {
		if err := s.transitionRun(ctx, state, types.RunRunning); err != nil {
			return nil, err
		}
	}
	s.logger.Info("run started", map[string]any{"stages": len(s.pipe.NodeIDs()), "workers": s.workers})

	if err := s.loop(ctx, state); err != nil {
		return nil, err
	}

	if anyFatal(state) {
		s.compensate(ctx, state)
	}

	outcome := DetermineOutcome(s.pipe, state)
	if err := s.transitionRun(ctx, state, outcome.Status); err != nil {
		return nil, err
	}

	flushCtx := context.WithoutCancel(ctx)
	if err := s.journal.Flush(flushCtx); err != nil {
		s.logger.Warn("journal flush failed", map[string]any{"error": err.Error()})
	}
	jstats := s.journal.Stats()
	s.stats.AbsorbJournalStats(jstats.Appended, jstats.Errors)

	result := &RunResult{
		Meta:     s.meta,
		Outcome:  outcome,
		State:    state,
		Duration: time.Since(start),
		Metrics:  s.stats.Snapshot(),
	}
	s.logger.Info("run finished", map[string]any{
		"status":   string(outcome.Status),
		"message":  outcome.Message,
		"duration": result.Duration.String(),
	})
	return result, nil
}

// nodeEvent is a worker's report back to the single-writer loop.
type nodeEvent struct {
	nodeID     string
	output     []byte
	checks     []types.CheckOutcome
	attempts   int
	idempotent bool
	err        error
}

// loop is the single-writer scheduling loop. All reads and writes of
// run state happen here; workers only execute handlers and report
// events. The loop ends when nothing is in flight and nothing further
// can be dispatched.
func (s *Scheduler) loop(ctx context.Context, state *types.RunState) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan nodeEvent)
	sem := semaphore.NewWeighted(s.workers)
	inFlight := 0
	fatal := anyFatal(state)

	statusOf := func(id string) types.Status { return state.Nodes[id].Status }

	for {
		if !fatal && ctx.Err() == nil {
			for _, id := range s.pipe.Ready(statusOf) {
				if !sem.TryAcquire(1) {
					break
				}
				node := s.pipe.Node(id)
				in, resolveErr := s.resolveInputs(state, node)
				if err := s.transitionNode(ctx, state, id, types.StatusRunning, nil); err != nil {
					sem.Release(1)
					return err
				}
				if resolveErr != nil {
					// A dependency output that no longer decodes is
					// corrupted state; fail the node without dispatch.
					sem.Release(1)
					if err := s.apply(ctx, runCtx, state, nodeEvent{nodeID: id, err: resolveErr}, &fatal, cancel); err != nil {
						return err
					}
					if fatal {
						break
					}
					continue
				}
				s.stats.IncNodesDispatched()
				inFlight++
				go s.dispatch(runCtx, node, in, events)
			}
		}

		if inFlight == 0 {
			return nil
		}

		ev := <-events
		inFlight--
		sem.Release(1)
		if err := s.apply(ctx, runCtx, state, ev, &fatal, cancel); err != nil {
			return err
		}
	}
}

// apply folds one worker event into run state. Only the loop goroutine
// calls it.
func (s *Scheduler) apply(ctx, runCtx context.Context, state *types.RunState, ev nodeEvent, fatal *bool, cancel context.CancelFunc) error {
	node := state.Nodes[ev.nodeID]
	node.Checks = ev.checks
	if ev.attempts > 0 {
		node.Attempts += ev.attempts
		s.stats.AddNodeRetries(int64(ev.attempts - 1))
	}
	for _, c := range ev.checks {
		if !c.Passed {
			s.stats.IncChecksFailed()
		}
	}

	if ev.err == nil {
		node.Output = ev.output
		if ev.idempotent {
			s.stats.IncIdempotencyHits()
			s.logger.WithNode(ev.nodeID).Info("idempotency hit", map[string]any{"attempts": node.Attempts})
		}
		if err := s.transitionNode(ctx, state, ev.nodeID, types.StatusSucceeded, nil); err != nil {
			return err
		}
		s.stats.IncNodesSucceeded()
		return nil
	}

	var open *types.CircuitOpenError
	switch {
	case errors.As(ev.err, &open):
		// Fast-failed dispatch. The node stays re-runnable: once the
		// dependency recovers, resume picks it up again.
		s.stats.IncBreakerFastFails()
		return s.transitionNode(ctx, state, ev.nodeID, types.StatusFailedRetryable, ev.err)

	case runCtx.Err() != nil && errors.Is(ev.err, runCtx.Err()):
		// Interrupted by cancellation, not failed on its own merits.
		return s.transitionNode(ctx, state, ev.nodeID, types.StatusFailedRetryable, ev.err)

	default:
		if err := s.transitionNode(ctx, state, ev.nodeID, types.StatusFailedFatal, ev.err); err != nil {
			return err
		}
		s.stats.IncNodesFailed()
		*fatal = true
		cancel()
		return s.skipDescendants(ctx, state, ev.nodeID)
	}
}

// skipDescendants marks every not-yet-started descendant of a fatally
// failed node as SKIPPED.
func (s *Scheduler) skipDescendants(ctx context.Context, state *types.RunState, failedID string) error {
	for _, id := range s.pipe.Descendants(failedID) {
		if state.Nodes[id].Status != types.StatusPending {
			continue
		}
		if err := s.transitionNode(ctx, state, id, types.StatusSkipped, nil); err != nil {
			return err
		}
		s.stats.IncNodesSkipped()
	}
	return nil
}

// dispatch runs one node in a worker goroutine and reports the result.
func (s *Scheduler) dispatch(ctx context.Context, node *pipeline.Node, in pipeline.Inputs, events chan<- nodeEvent) {
	ev := nodeEvent{nodeID: node.ID}
	ev.output, ev.checks, ev.attempts, ev.idempotent, ev.err = s.executeNode(ctx, node, in)
	events <- ev
}

// executeNode performs the full per-node execution sequence:
// idempotency lookup, precondition checks, the retry-wrapped handler
// invocation, postcondition checks, and the store-then-commit dedup
// write.
func (s *Scheduler) executeNode(ctx context.Context, node *pipeline.Node, in pipeline.Inputs) (output []byte, checks []types.CheckOutcome, attempts int, idempotent bool, err error) {
	keyFn := node.Key
	if keyFn == nil {
		keyFn = pipeline.DefaultKey
	}
	key := keyFn(node.ID, in)

	if s.idem != nil {
		rec, lookupErr := s.idem.Get(ctx, key)
		if lookupErr != nil {
			// Dedup reads are best-effort: a lookup failure degrades to
			// a miss rather than failing the node.
			s.logger.WithNode(node.ID).Warn("idempotency lookup failed", map[string]any{"error": lookupErr.Error()})
		} else if rec != nil {
			return rec.Result, nil, 0, true, nil
		}
	}

	enf := pipeline.NewEnforcer(node.ID, node.Contract)
	if err := enf.Pre(in); err != nil {
		return nil, enf.Outcomes(), 0, false, err
	}

	policy := s.policy
	if node.Retry != nil {
		policy = *node.Retry
	}

	var result pipeline.Result
	attempts, err = s.retries.Do(ctx, retry.Call{
		NodeID:     node.ID,
		Dependency: node.Dependency,
		Policy:     policy,
		Timeout:    node.Timeout,
		Classify:   node.Classifier,
		Fn: func(ctx context.Context) error {
			out, execErr := node.Handler.Execute(ctx, in)
			if execErr != nil {
				return execErr
			}
			result = out
			return nil
		},
	})
	if err != nil {
		return nil, enf.Outcomes(), attempts, false, err
	}

	if err := enf.Post(in, result); err != nil {
		return nil, enf.Outcomes(), attempts, false, err
	}

	encoded, err := store.EncodeResult(result)
	if err != nil {
		return nil, enf.Outcomes(), attempts, false, fmt.Errorf("encode result for %s: %w", node.ID, err)
	}

	// Store-then-commit: the dedup record is written before SUCCEEDED
	// is persisted, so a crash between the two can only cause a lookup
	// hit, never a duplicate execution.
	if s.idem != nil {
		rec := &store.IdempotencyRecord{
			ContentHash: key,
			Result:      encoded,
			StoredAt:    time.Now().UTC(),
		}
		if putErr := s.idem.Put(ctx, rec); putErr != nil {
			return nil, enf.Outcomes(), attempts, false, fmt.Errorf("store idempotency record for %s: %w", node.ID, putErr)
		}
	}

	return encoded, enf.Outcomes(), attempts, false, nil
}

// resolveInputs builds a node's input snapshot: the run input under
// "input" plus each succeeded dependency's decoded result under its id.
// Skipped dependencies of a tolerant node contribute nothing.
func (s *Scheduler) resolveInputs(state *types.RunState, node *pipeline.Node) (pipeline.Inputs, error) {
	in := pipeline.Inputs{}
	if s.input != nil {
		in["input"] = s.input
	}
	for _, dep := range node.Needs {
		ns := state.Nodes[dep]
		if ns.Status != types.StatusSucceeded {
			continue
		}
		out, err := store.DecodeResult(ns.Output)
		if err != nil {
			return nil, fmt.Errorf("decode output of dependency %s: %w", dep, err)
		}
		in[dep] = out
	}
	return in, nil
}

// transitionNode applies one legal node transition, checkpoints the
// full run state, and journals the transition. Persistence uses a
// cancellation-free context: a transition that already happened must be
// recorded even during shutdown.
func (s *Scheduler) transitionNode(ctx context.Context, state *types.RunState, id string, to types.Status, cause error) error {
	n := state.Nodes[id]
	from := n.Status
	if !types.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for node %s", from, to, id)
	}

	now := time.Now().UTC()
	n.Status = to
	n.UpdatedAt = now
	state.UpdatedAt = now
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
		n.LastError = errMsg
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := s.runs.SaveRun(persistCtx, state); err != nil {
		return fmt.Errorf("persist %s transition for %s: %w", to, id, err)
	}

	entry := &journal.Entry{
		RunID:   state.RunID,
		NodeID:  id,
		From:    from,
		To:      to,
		Attempt: n.Attempts,
		Error:   errMsg,
		Checks:  n.Checks,
		At:      now,
	}
	if err := s.journal.Append(persistCtx, entry); err != nil {
		s.logger.Warn("journal append failed", map[string]any{"node_id": id, "error": err.Error()})
	}

	s.logger.WithNode(id).Info("node transition", map[string]any{
		"from": string(from), "to": string(to), "attempts": n.Attempts, "error": errMsg,
	})
	return nil
}

// transitionRun applies a run-level transition with the same
// persistence and journaling discipline as node transitions.
func (s *Scheduler) transitionRun(ctx context.Context, state *types.RunState, to types.RunStatus) error {
	from := state.Status
	now := time.Now().UTC()
	state.Status = to
	state.UpdatedAt = now

	persistCtx := context.WithoutCancel(ctx)
	if err := s.runs.SaveRun(persistCtx, state); err != nil {
		return fmt.Errorf("persist run transition to %s: %w", to, err)
	}

	entry := &journal.Entry{
		RunID:   state.RunID,
		RunFrom: from,
		RunTo:   to,
		At:      now,
	}
	if err := s.journal.Append(persistCtx, entry); err != nil {
		s.logger.Warn("journal append failed", map[string]any{"error": err.Error()})
	}
	return nil
}

func anyFatal(state *types.RunState) bool {
	for _, n := range state.Nodes {
		if n.Status == types.StatusFailedFatal {
			return true
		}
	}
	return false
}
