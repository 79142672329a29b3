package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind partitions handler errors for retry decisions.
type FailureKind string

// Failure classification constants. Unclassified errors default to
// fatal: retrying a programming error cannot help and may repeat side
// effects.
const (
	FailureTransient FailureKind = "transient"
	FailureFatal     FailureKind = "fatal"
)

// Classifier maps a handler error to a failure kind.
// A nil Classifier falls back to DefaultClassifier.
type Classifier func(error) FailureKind

// GraphError indicates an invalid stage graph (cycle or unknown
// dependency). Raised at build time, before any node runs.
type GraphError struct {
	// Cycle lists the node ids forming the cycle, in edge order,
	// when the failure is a dependency cycle.
	Cycle []string
	// Reason describes non-cycle graph failures (unknown dependency,
	// duplicate id).
	Reason string
}

func (e *GraphError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("graph error: dependency cycle %s", strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("graph error: %s", e.Reason)
}

// ContractViolation indicates a failed precondition, postcondition, or
// invariant check. Always fatal: it triggers compensation, never retry.
type ContractViolation struct {
	// NodeID is the stage node whose contract failed.
	NodeID string
	// Check is the declared check name.
	Check string
	// Kind is precondition, postcondition, or invariant.
	Kind string
	// Message is the predicate's explanation.
	Message string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation on %s: %s %q: %s", e.NodeID, e.Kind, e.Check, e.Message)
}

// TransientError wraps an error that handlers or classifiers have
// marked retryable. errors.As-visible anywhere in the chain.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so the default classifier retries it.
// Returns nil if err is nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// CircuitOpenError indicates a dispatch was fast-failed because the
// dependency's circuit breaker is open. It consumes no retry budget
// and does not count as a new failure toward re-opening.
type CircuitOpenError struct {
	// Dependency is the breaker name.
	Dependency string
	// RetryAfter is the remaining time until a half-open trial is
	// admitted.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for dependency %q (retry after %s)", e.Dependency, e.RetryAfter)
}

// RetriesExhausted indicates a node failed every attempt permitted by
// its retry policy. Terminal for the node; triggers compensation.
type RetriesExhausted struct {
	// NodeID is the failed stage node.
	NodeID string
	// Attempts is the total number of handler invocations.
	Attempts int
	// Kind is the failure kind of the final attempt.
	Kind FailureKind
	// Err is the final attempt's error.
	Err error
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts (%s): %v", e.NodeID, e.Attempts, e.Kind, e.Err)
}

// Unwrap returns the final attempt's error.
func (e *RetriesExhausted) Unwrap() error { return e.Err }

// CompensationFailure indicates a compensating action itself failed.
// Logged and recorded; never re-raised to abort the unwind loop. Any
// occurrence marks the run INCONSISTENT.
type CompensationFailure struct {
	// NodeID is the node whose compensating action failed.
	NodeID string
	// Err is the compensating action's error.
	Err error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation failed for %s: %v", e.NodeID, e.Err)
}

// Unwrap returns the compensating action's error.
func (e *CompensationFailure) Unwrap() error { return e.Err }

// DefaultClassifier classifies handler errors when a stage declares no
// classifier of its own.
//
// Transient: errors marked via MarkTransient, timeouts (anything
// exposing Timeout() bool), and context.DeadlineExceeded. Everything
// else, including contract violations, is fatal.
func DefaultClassifier(err error) FailureKind {
	if err == nil {
		return FailureFatal
	}

	var cv *ContractViolation
	if errors.As(err, &cv) {
		return FailureFatal
	}

	var te *TransientError
	if errors.As(err, &te) {
		return FailureTransient
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return FailureTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}

	return FailureFatal
}
