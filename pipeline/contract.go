package pipeline

import (
	"github.com/justapithecus/gantry/types"
)

// Check kinds recorded on a node's execution record.
const (
	CheckPrecondition  = "precondition"
	CheckPostcondition = "postcondition"
	CheckInvariant     = "invariant"
)

// Predicate evaluates one contract check over the stage's resolved
// inputs and, after execution, its result. Result is nil for checks
// run before the handler. Returns (false, message) when the check
// fails; message explains the failure for the audit record.
type Predicate func(in Inputs, out Result) (bool, string)

// NamedCheck pairs a predicate with a stable name for audit records.
type NamedCheck struct {
	Name  string
	Check Predicate
}

// Contract holds the design-by-contract checks around one stage.
//
// Preconditions run before the handler; any failure aborts the node
// without invoking it. Postconditions run after a successful handler
// return; any failure converts the result into a node failure.
// Invariants run both before and after; a broken invariant is always
// fatal and never retried, since it indicates corrupted shared state.
type Contract struct {
	Preconditions  []NamedCheck
	Postconditions []NamedCheck
	Invariants     []NamedCheck
}

// Enforcer evaluates a contract around a stage invocation and records
// every check outcome.
type Enforcer struct {
	nodeID   string
	contract Contract
	outcomes []types.CheckOutcome
}

// NewEnforcer creates an enforcer for one node attempt.
// Enforcers are single-use: create a fresh one per attempt so the
// recorded outcomes describe exactly that attempt.
func NewEnforcer(nodeID string, contract Contract) *Enforcer {
	return &Enforcer{nodeID: nodeID, contract: contract}
}

// Pre runs preconditions and entry invariants against the resolved
// inputs. Returns *types.ContractViolation on the first failure; the
// handler must not be invoked in that case.
func (e *Enforcer) Pre(in Inputs) error {
	if err := e.runChecks(CheckPrecondition, e.contract.Preconditions, in, nil); err != nil {
		return err
	}
	return e.runChecks(CheckInvariant, e.contract.Invariants, in, nil)
}

// Post runs postconditions and exit invariants against the handler's
// result. A failure converts a nominally successful result into a
// fatal node failure.
func (e *Enforcer) Post(in Inputs, out Result) error {
	if err := e.runChecks(CheckPostcondition, e.contract.Postconditions, in, out); err != nil {
		return err
	}
	return e.runChecks(CheckInvariant, e.contract.Invariants, in, out)
}

// Outcomes returns every check outcome recorded so far, pass and fail.
func (e *Enforcer) Outcomes() []types.CheckOutcome {
	return e.outcomes
}

func (e *Enforcer) runChecks(kind string, checks []NamedCheck, in Inputs, out Result) error {
	for _, c := range checks {
		ok, msg := c.Check(in, out)
		e.outcomes = append(e.outcomes, types.CheckOutcome{
			Name:    c.Name,
			Kind:    kind,
			Passed:  ok,
			Message: msg,
		})
		if !ok {
			return &types.ContractViolation{
				NodeID:  e.nodeID,
				Check:   c.Name,
				Kind:    kind,
				Message: msg,
			}
		}
	}
	return nil
}
