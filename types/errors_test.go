package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestGraphError_NamesCycle(t *testing.T) {
	err := &GraphError{Cycle: []string{"a", "b", "c", "a"}}
	want := "graph error: dependency cycle a -> b -> c -> a"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDefaultClassifier_Transient(t *testing.T) {
	marked := MarkTransient(errors.New("connection refused"))
	if DefaultClassifier(marked) != FailureTransient {
		t.Error("marked error should classify transient")
	}

	wrapped := fmt.Errorf("dispatch: %w", marked)
	if DefaultClassifier(wrapped) != FailureTransient {
		t.Error("wrapped transient should survive error chains")
	}

	if DefaultClassifier(context.DeadlineExceeded) != FailureTransient {
		t.Error("deadline exceeded should classify transient")
	}
}

func TestDefaultClassifier_FatalByDefault(t *testing.T) {
	if DefaultClassifier(errors.New("nil pointer dereference")) != FailureFatal {
		t.Error("unclassified errors must default fatal")
	}

	cv := &ContractViolation{NodeID: "score", Check: "non_empty", Kind: "postcondition"}
	if DefaultClassifier(cv) != FailureFatal {
		t.Error("contract violations must classify fatal")
	}

	// Fatal even when something upstream marked the chain transient
	// below the violation.
	if DefaultClassifier(fmt.Errorf("attempt: %w", cv)) != FailureFatal {
		t.Error("wrapped contract violation must classify fatal")
	}
}

func TestMarkTransient_Nil(t *testing.T) {
	if MarkTransient(nil) != nil {
		t.Error("MarkTransient(nil) must be nil")
	}
}

func TestRetriesExhausted_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &RetriesExhausted{NodeID: "ingest", Attempts: 4, Kind: FailureTransient, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("RetriesExhausted should unwrap to the final attempt error")
	}
}

func TestRunMeta_Validate(t *testing.T) {
	meta := NewRunMeta("assessment")
	if err := meta.Validate(); err != nil {
		t.Fatalf("fresh meta should validate: %v", err)
	}
	if meta.CorrelationID != meta.RunID {
		t.Error("correlation id should default to run id")
	}

	bad := &RunMeta{RunID: "not-a-uuid", Pipeline: "assessment"}
	if err := bad.Validate(); err == nil {
		t.Error("non-UUID run id should fail validation")
	}

	if err := (&RunMeta{}).Validate(); err == nil {
		t.Error("empty meta should fail validation")
	}
}
