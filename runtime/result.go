package runtime

import (
	"time"

	"github.com/justapithecus/gantry/metrics"
	"github.com/justapithecus/gantry/types"
)

// RunResult is what a finished (or resumed-to-finish) run reports back
// to the caller: the verdict, the final persisted state, and the run's
// metrics snapshot.
type RunResult struct {
	Meta     *types.RunMeta   `json:"meta"`
	Outcome  *Outcome         `json:"outcome"`
	State    *types.RunState  `json:"state"`
	Duration time.Duration    `json:"duration"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

// ExitCode returns the process exit code for this result.
func (r *RunResult) ExitCode() int {
	return ExitCode(r.Outcome.Status)
}
