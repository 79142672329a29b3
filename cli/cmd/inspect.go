package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/gantry/cli/config"
	"github.com/justapithecus/gantry/cli/render"
	"github.com/justapithecus/gantry/metrics"
	"github.com/justapithecus/gantry/runtime"
	"github.com/justapithecus/gantry/types"
)

// RunView is the rendered summary of a finished run.
type RunView struct {
	RunID         string           `json:"run_id"`
	Pipeline      string           `json:"pipeline"`
	CorrelationID string           `json:"correlation_id"`
	Status        string           `json:"status"`
	Message       string           `json:"message"`
	ExitCode      int              `json:"exit_code"`
	Duration      string           `json:"duration"`
	Stages        []StageView      `json:"stages"`
	Metrics       metrics.Snapshot `json:"metrics"`
}

// StageView is one stage row in a run view.
type StageView struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func runView(result *runtime.RunResult) *RunView {
	return &RunView{
		RunID:         result.Meta.RunID,
		Pipeline:      result.Meta.Pipeline,
		CorrelationID: result.Meta.CorrelationID,
		Status:        string(result.Outcome.Status),
		Message:       result.Outcome.Message,
		ExitCode:      result.ExitCode(),
		Duration:      result.Duration.Round(time.Millisecond).String(),
		Stages:        stageViews(result.State),
		Metrics:       result.Metrics,
	}
}

// InspectView is the rendered checkpoint of a persisted run, terminal
// or not.
type InspectView struct {
	RunID         string      `json:"run_id"`
	Pipeline      string      `json:"pipeline"`
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Stages        []StageView `json:"stages"`
}

func inspectView(state *types.RunState) *InspectView {
	return &InspectView{
		RunID:         state.RunID,
		Pipeline:      state.Pipeline,
		CorrelationID: state.CorrelationID,
		Status:        string(state.Status),
		CreatedAt:     state.CreatedAt,
		UpdatedAt:     state.UpdatedAt,
		Stages:        stageViews(state),
	}
}

func stageViews(state *types.RunState) []StageView {
	out := make([]StageView, 0, len(state.Nodes))
	for _, n := range state.Nodes {
		out = append(out, StageView{
			ID:        n.NodeID,
			Status:    string(n.Status),
			Attempts:  n.Attempts,
			LastError: n.LastError,
			UpdatedAt: n.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InspectCommand returns the inspect command: a read-only view of one
// persisted run, whatever state it is in.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a persisted run by ID (read-only)",
		ArgsUsage: "<run-id>",
		Flags:     ReadOnlyFlags(),
		Action:    inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", runtime.ExitUsage)
	}
	runID := c.Args().First()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	st, err := openStores(cfg)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitRunFailed)
	}
	defer func() { _ = st.Close() }()

	state, err := st.runs.LoadRun(c.Context, runID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot load run %s: %v", runID, err), runtime.ExitRunFailed)
	}

	return r.Render(inspectView(state))
}
