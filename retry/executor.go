package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/justapithecus/gantry/breaker"
	"github.com/justapithecus/gantry/types"
)

// Call describes one retry-wrapped stage invocation.
type Call struct {
	// NodeID is the stage node being executed, for error reporting.
	NodeID string
	// Dependency is the circuit breaker name guarding this call.
	// Empty means no breaker applies.
	Dependency string
	// Policy is the backoff policy.
	Policy Policy
	// Timeout bounds one attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// Classify partitions attempt errors. Nil uses
	// types.DefaultClassifier.
	Classify types.Classifier
	// Fn is the attempt body (handler invocation plus post-checks).
	Fn func(ctx context.Context) error
}

// Executor runs calls under their retry policies.
// Safe for concurrent use by the scheduler's worker pool: the default
// jitter source is the goroutine-safe math/rand/v2 global, and an
// injected one must be equally safe.
type Executor struct {
	breakers *breaker.Registry
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleep overrides the backoff sleep. Test injection only.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter overrides the jitter source. Test injection only; must be
// safe for concurrent use.
func WithJitter(jitter func() float64) ExecutorOption {
	return func(e *Executor) { e.jitter = jitter }
}

// NewExecutor creates a retry executor over the given breaker registry.
func NewExecutor(breakers *breaker.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		breakers: breakers,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do executes the call until it succeeds, fails fatally, or exhausts
// its retry budget.
//
// Before each attempt the dependency's breaker is consulted: an open
// circuit fails the call immediately with *types.CircuitOpenError
// without invoking Fn, consuming a retry budget entry, or counting as
// a failure toward re-opening. Attempt outcomes are recorded on the
// breaker; fatal errors return as-is after the first occurrence;
// transient errors retry per policy. On exhaustion the call fails with
// *types.RetriesExhausted carrying the final attempt's failure kind.
//
// Attempts is the number of times Fn was invoked, for the node's
// persisted execution record.
func (e *Executor) Do(ctx context.Context, call Call) (attempts int, err error) {
	classify := call.Classify
	if classify == nil {
		classify = types.DefaultClassifier
	}

	brk := e.breakers.Get(call.Dependency)
	maxAttempts := 1 + call.Policy.MaxRetries

	var lastErr error
	var lastKind types.FailureKind

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		if attempt > 0 {
			if err := e.sleep(ctx, Delay(call.Policy, attempt-1, e.jitter)); err != nil {
				return attempts, err
			}
		}

		if brk != nil {
			if err := brk.Allow(); err != nil {
				return attempts, err
			}
		}

		attempts++
		attemptErr := e.runAttempt(ctx, call)
		if attemptErr == nil {
			if brk != nil {
				brk.RecordSuccess()
			}
			return attempts, nil
		}

		if brk != nil {
			brk.RecordFailure()
		}

		lastErr = attemptErr
		lastKind = classify(attemptErr)
		if lastKind == types.FailureFatal {
			return attempts, attemptErr
		}
	}

	return attempts, &types.RetriesExhausted{
		NodeID:   call.NodeID,
		Attempts: attempts,
		Kind:     lastKind,
		Err:      lastErr,
	}
}

// runAttempt invokes Fn under the per-attempt timeout. A deadline hit
// is surfaced as a transient error so the default classifier retries
// it; stages that consider timeouts fatal say so in their classifier.
func (e *Executor) runAttempt(ctx context.Context, call Call) error {
	if call.Timeout <= 0 {
		return call.Fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, call.Timeout)
	defer cancel()

	err := call.Fn(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return types.MarkTransient(err)
	}
	return err
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
