package types

// Status represents the lifecycle state of a single stage node.
type Status string

// Node status constants.
const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusSucceeded          Status = "succeeded"
	StatusFailedRetryable    Status = "failed_retryable"
	StatusFailedFatal        Status = "failed_fatal"
	StatusSkipped            Status = "skipped"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

// IsTerminal returns true if the node can no longer change state.
// FAILED_FATAL is terminal once compensation of its ancestors has run;
// the scheduler never transitions a node out of it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedFatal, StatusSkipped,
		StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// IsResolved returns true if the node counts as already done for the
// purposes of resume: it will not be re-dispatched.
func (s Status) IsResolved() bool {
	switch s {
	case StatusSucceeded, StatusSkipped, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// nodeTransitions encodes the legal node status transitions.
var nodeTransitions = map[Status][]Status{
	StatusPending:         {StatusRunning, StatusSkipped},
	StatusRunning:         {StatusSucceeded, StatusFailedRetryable, StatusFailedFatal},
	StatusFailedRetryable: {StatusRunning, StatusFailedFatal},
	StatusSucceeded:       {StatusCompensating},
	StatusCompensating:    {StatusCompensated, StatusCompensationFailed},
}

// CanTransition reports whether from → to is a legal node transition.
func CanTransition(from, to Status) bool {
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunStatus represents the lifecycle state of a whole run.
type RunStatus string

// Run status constants.
const (
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunInconsistent RunStatus = "inconsistent"
)

// IsTerminal returns true if the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunInconsistent
}
