package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMeta is the run identity carried through logs and persisted state.
// CorrelationID is propagated to every log entry and adapter event for
// this run; it defaults to the run id when not supplied by the caller.
type RunMeta struct {
	// RunID is the canonical run identifier (UUID).
	RunID string
	// Pipeline is the pipeline name this run executes.
	Pipeline string
	// CorrelationID groups logs and traces across systems.
	CorrelationID string
}

// NewRunMeta creates run metadata with a fresh run id.
func NewRunMeta(pipeline string) *RunMeta {
	id := uuid.NewString()
	return &RunMeta{
		RunID:         id,
		Pipeline:      pipeline,
		CorrelationID: id,
	}
}

// Validate checks run metadata required fields.
func (m *RunMeta) Validate() error {
	if m == nil {
		return errors.New("run metadata is required")
	}
	if m.RunID == "" {
		return errors.New("run_id is required")
	}
	if _, err := uuid.Parse(m.RunID); err != nil {
		return fmt.Errorf("run_id must be a UUID: %w", err)
	}
	if m.Pipeline == "" {
		return errors.New("pipeline name is required")
	}
	return nil
}

// CheckOutcome records the result of a single contract check around a
// stage invocation. Attached to the node's execution record for audit.
type CheckOutcome struct {
	// Name is the declared check name.
	Name string `msgpack:"name" json:"name"`
	// Kind is the check phase: precondition, postcondition, or invariant.
	Kind string `msgpack:"kind" json:"kind"`
	// Passed is true if the predicate held.
	Passed bool `msgpack:"passed" json:"passed"`
	// Message carries the predicate's explanation on failure.
	Message string `msgpack:"message,omitempty" json:"message,omitempty"`
}

// NodeState is the persisted execution record for one stage node.
type NodeState struct {
	// NodeID is the stage node id.
	NodeID string `msgpack:"node_id" json:"node_id"`
	// Status is the node's current lifecycle state.
	Status Status `msgpack:"status" json:"status"`
	// Attempts is the number of handler invocations so far.
	Attempts int `msgpack:"attempts" json:"attempts"`
	// LastError is the message of the most recent failure, if any.
	LastError string `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
	// Output is the msgpack-encoded stage result, present only once
	// the node has SUCCEEDED.
	Output []byte `msgpack:"output,omitempty" json:"output,omitempty"`
	// Checks holds contract check outcomes from the latest attempt.
	Checks []CheckOutcome `msgpack:"checks,omitempty" json:"checks,omitempty"`
	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// RunState is the durable record of one pipeline execution.
// Owned exclusively by the scheduler; persisted after every transition.
type RunState struct {
	// RunID is the canonical run identifier.
	RunID string `msgpack:"run_id" json:"run_id"`
	// Pipeline is the pipeline name.
	Pipeline string `msgpack:"pipeline" json:"pipeline"`
	// CorrelationID groups logs and traces for this run.
	CorrelationID string `msgpack:"correlation_id" json:"correlation_id"`
	// Status is the overall run state.
	Status RunStatus `msgpack:"status" json:"status"`
	// Nodes maps node id to its execution record.
	Nodes map[string]*NodeState `msgpack:"nodes" json:"nodes"`
	// CreatedAt is the run creation time.
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	// UpdatedAt is the time of the last persisted transition.
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// NewRunState creates a fresh run state with all nodes PENDING.
func NewRunState(meta *RunMeta, nodeIDs []string) *RunState {
	now := time.Now().UTC()
	nodes := make(map[string]*NodeState, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = &NodeState{
			NodeID:    id,
			Status:    StatusPending,
			UpdatedAt: now,
		}
	}
	return &RunState{
		RunID:         meta.RunID,
		Pipeline:      meta.Pipeline,
		CorrelationID: meta.CorrelationID,
		Status:        RunInitializing,
		Nodes:         nodes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Meta rebuilds run metadata from persisted state (used by resume).
func (s *RunState) Meta() *RunMeta {
	return &RunMeta{
		RunID:         s.RunID,
		Pipeline:      s.Pipeline,
		CorrelationID: s.CorrelationID,
	}
}

// Node returns the execution record for the given node id, or nil.
func (s *RunState) Node(id string) *NodeState {
	return s.Nodes[id]
}

// Active returns true if any node is still PENDING, RUNNING,
// FAILED_RETRYABLE, or COMPENSATING.
func (s *RunState) Active() bool {
	for _, n := range s.Nodes {
		if !n.Status.IsTerminal() {
			return true
		}
	}
	return false
}
