package runtime

import (
	"fmt"

	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/types"
)

// Process exit codes reported by the CLI.
const (
	ExitSuccess      = 0
	ExitRunFailed    = 1
	ExitInconsistent = 2
	ExitUsage        = 3
)

// ExitCode maps a terminal run status to its process exit code.
// Non-terminal statuses map to ExitRunFailed: a run that stopped
// without reaching a terminal state did not complete.
func ExitCode(status types.RunStatus) int {
	switch status {
	case types.RunCompleted:
		return ExitSuccess
	case types.RunInconsistent:
		return ExitInconsistent
	default:
		return ExitRunFailed
	}
}

// Outcome is the scheduler's verdict on a finished run.
type Outcome struct {
	// Status is the terminal run status.
	Status types.RunStatus `json:"status"`
	// Message summarizes the verdict for operators.
	Message string `json:"message"`
}

// DetermineOutcome derives the terminal run status from node states.
//
// Any failed compensation marks the run INCONSISTENT: committed side
// effects could not be undone and manual reconciliation is required.
// Otherwise any fatal node failure, or any node left unresolved (a
// stalled dependency, an interrupted attempt), marks the run FAILED.
// A run completes only when every node succeeded.
func DetermineOutcome(p *pipeline.Pipeline, state *types.RunState) *Outcome {
	var compFailed, fatal, unresolved int
	firstFatal := ""
	for _, id := range p.NodeIDs() {
		switch state.Nodes[id].Status {
		case types.StatusCompensationFailed:
			compFailed++
		case types.StatusFailedFatal:
			fatal++
			if firstFatal == "" || p.TopoIndex(id) < p.TopoIndex(firstFatal) {
				firstFatal = id
			}
		case types.StatusSucceeded, types.StatusSkipped, types.StatusCompensated:
		default:
			unresolved++
		}
	}

	switch {
	case compFailed > 0:
		return &Outcome{
			Status:  types.RunInconsistent,
			Message: fmt.Sprintf("%d compensating action(s) failed; manual reconciliation required", compFailed),
		}
	case fatal > 0:
		return &Outcome{
			Status:  types.RunFailed,
			Message: fmt.Sprintf("stage %q failed: %s", firstFatal, state.Nodes[firstFatal].LastError),
		}
	case unresolved > 0:
		return &Outcome{
			Status:  types.RunFailed,
			Message: fmt.Sprintf("%d stage(s) did not complete; the run can be resumed", unresolved),
		}
	default:
		return &Outcome{
			Status:  types.RunCompleted,
			Message: "all stages succeeded",
		}
	}
}
