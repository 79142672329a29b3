package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/gantry/cli/config"
	"github.com/justapithecus/gantry/cli/render"
	"github.com/justapithecus/gantry/runtime"
	"github.com/justapithecus/gantry/store"
	"github.com/justapithecus/gantry/types"
)

// ListCommand returns the list command: thin run summaries from the
// checkpoint store, most recent first.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List persisted runs",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by run status (e.g. completed, failed, running)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to return (0 = no limit)",
				Value: 0,
			},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
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

	summaries, err := st.runs.ListRuns(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitRunFailed)
	}

	summaries = filterRuns(summaries, c.String("status"), c.Int("limit"))
	return r.Render(summaries)
}

// filterRuns applies the status filter and limit. ListRuns already
// orders most recent first.
func filterRuns(in []store.RunSummary, status string, limit int) []store.RunSummary {
	out := in
	if status != "" {
		out = out[:0:0]
		for _, s := range in {
			if s.Status == types.RunStatus(status) {
				out = append(out, s)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
