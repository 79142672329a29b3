package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/gantry/adapter"
	adapterredis "github.com/justapithecus/gantry/adapter/redis"
	"github.com/justapithecus/gantry/adapter/webhook"
	"github.com/justapithecus/gantry/breaker"
	"github.com/justapithecus/gantry/cli/config"
	"github.com/justapithecus/gantry/cli/render"
	"github.com/justapithecus/gantry/journal"
	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/retry"
	"github.com/justapithecus/gantry/runtime"
	"github.com/justapithecus/gantry/store"
	"github.com/justapithecus/gantry/types"
)

// RunCommand returns the run command, the only command that executes
// work.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a pipeline run",
		Flags: []cli.Flag{
			ConfigFlag,
			FormatFlag,
			&cli.StringFlag{
				Name:  "pipeline",
				Usage: "Pipeline name to run (required)",
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "Run-level input: path to a JSON file, or an inline JSON object",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Max concurrent stages (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		},
		Action: runAction,
	}
}

// ResumeCommand returns the resume command. Resume picks up an
// interrupted run from its last checkpoint; stages already SUCCEEDED
// are not re-executed.
func ResumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Resume an interrupted run from its checkpoint",
		Flags: []cli.Flag{
			ConfigFlag,
			FormatFlag,
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run ID to resume (required)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Max concurrent stages (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		},
		Action: resumeAction,
	}
}

func runAction(c *cli.Context) error {
	name := c.String("pipeline")
	if name == "" {
		return cli.Exit("--pipeline is required", runtime.ExitUsage)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	catalog, err := cfg.BuildCatalog(pipeline.NewHandlerRegistry())
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}
	p, err := catalog.Lookup(name)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	input, err := loadRunInput(c.String("input"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	meta := types.NewRunMeta(name)
	return executeRun(c, cfg, func(sched *runtime.Scheduler, ctx context.Context) (*runtime.RunResult, error) {
		return sched.Execute(ctx)
	}, schedulerParams{pipeline: p, meta: meta, input: input, runID: meta.RunID})
}

func resumeAction(c *cli.Context) error {
	runID := c.String("run-id")
	if runID == "" {
		return cli.Exit("--run-id is required", runtime.ExitUsage)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	catalog, err := cfg.BuildCatalog(pipeline.NewHandlerRegistry())
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	// The pipeline name lives in the checkpoint, so peek at the
	// persisted state before building the scheduler.
	st, err := openStores(cfg)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitRunFailed)
	}
	state, err := st.runs.LoadRun(c.Context, runID)
	if err != nil {
		_ = st.Close()
		return cli.Exit(fmt.Sprintf("cannot load run %s: %v", runID, err), runtime.ExitUsage)
	}
	p, err := catalog.Lookup(state.Pipeline)
	if err != nil {
		_ = st.Close()
		return cli.Exit(fmt.Sprintf("run %s references unknown pipeline: %v", runID, err), runtime.ExitUsage)
	}

	return executeRunWithStores(c, cfg, st, func(sched *runtime.Scheduler, ctx context.Context) (*runtime.RunResult, error) {
		return sched.Resume(ctx, runID)
	}, schedulerParams{pipeline: p, runID: runID})
}

// loadRunInput parses the --input flag: a path to a JSON file, or an
// inline JSON object (recognized by its leading brace) as a
// convenience. Empty means no run-level input.
func loadRunInput(arg string) (map[string]any, error) {
	trimmed := strings.TrimSpace(arg)
	if trimmed == "" {
		return nil, nil
	}

	data := []byte(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		var err error
		data, err = os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot read input file %q: %w", arg, err)
		}
	}

	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("invalid input JSON: %w", err)
	}
	return input, nil
}

// schedulerParams carries per-invocation scheduler inputs.
type schedulerParams struct {
	pipeline *pipeline.Pipeline
	meta     *types.RunMeta
	input    map[string]any
	runID    string
}

type driveFunc func(sched *runtime.Scheduler, ctx context.Context) (*runtime.RunResult, error)

func executeRun(c *cli.Context, cfg *config.Config, drive driveFunc, params schedulerParams) error {
	st, err := openStores(cfg)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitRunFailed)
	}
	return executeRunWithStores(c, cfg, st, drive, params)
}

func executeRunWithStores(c *cli.Context, cfg *config.Config, st *stores, drive driveFunc, params schedulerParams) error {
	defer func() { _ = st.Close() }()

	jnl, err := openJournal(cfg, params.runID)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitRunFailed)
	}
	defer func() { _ = jnl.Close() }()

	workers := cfg.Workers
	if c.Int("workers") > 0 {
		workers = c.Int("workers")
	}

	policy := cfg.Retry.RetryPolicy()
	brks := breaker.NewRegistry(cfg.Breaker.BreakerSettings())

	sched, err := runtime.New(&runtime.Config{
		Pipeline:     params.pipeline,
		Meta:         params.meta,
		Input:        params.input,
		Runs:         st.runs,
		Idempotency:  st.idem,
		Breakers:     brks,
		Retries:      retry.NewExecutor(brks),
		DefaultRetry: &policy,
		Journal:      jnl,
		Workers:      workers,
		Backend:      st.backend,
	})
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitUsage)
	}

	// SIGINT/SIGTERM cancel the run; the scheduler checkpoints
	// interrupted stages so the run stays resumable.
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := drive(sched, ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("run failed: %v", err), runtime.ExitRunFailed)
	}

	// Completion notification and archiving are best-effort: the run's
	// verdict is already durable.
	notifyCompletion(c.Context, cfg, result)
	archiveRun(c.Context, cfg, result)

	if !c.Bool("quiet") {
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), runtime.ExitUsage)
		}
		if err := r.Render(runView(result)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: render failed: %v\n", err)
		}
	}

	return cli.Exit("", result.ExitCode())
}

// stores bundles the run-state and idempotency backends for one
// invocation.
type stores struct {
	runs    store.RunStore
	idem    store.IdempotencyStore
	backend string

	closeIdem bool
}

func (s *stores) Close() error {
	var first error
	if s.closeIdem && s.idem != nil {
		first = s.idem.Close()
	}
	if s.runs != nil {
		if err := s.runs.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openStores(cfg *config.Config) (*stores, error) {
	st := &stores{}

	switch cfg.Checkpoint.Backend {
	case "", "bolt":
		path := cfg.Checkpoint.Path
		if path == "" {
			path = "gantry.db"
		}
		bs, err := store.OpenBolt(path)
		if err != nil {
			return nil, fmt.Errorf("cannot open checkpoint store: %w", err)
		}
		st.runs = bs
		st.idem = bs
		st.backend = "bolt"
	case "memory":
		ms := store.NewMemoryStore()
		st.runs = ms
		st.idem = ms
		st.backend = "memory"
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s (must be bolt or memory)", cfg.Checkpoint.Backend)
	}

	switch cfg.Idempotency.Backend {
	case "", "local":
		// Shares the checkpoint store.
	case "redis":
		rs, err := store.NewRedisIdempotencyStore(store.RedisConfig{
			URL: cfg.Idempotency.URL,
			TTL: cfg.Idempotency.TTL.Duration,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("cannot open idempotency store: %w", err)
		}
		st.idem = rs
		st.closeIdem = true
	case "off":
		st.idem = nil
	default:
		_ = st.Close()
		return nil, fmt.Errorf("unknown idempotency backend: %s (must be local, redis, or off)", cfg.Idempotency.Backend)
	}

	return st, nil
}

func openJournal(cfg *config.Config, runID string) (journal.Journal, error) {
	if cfg.Journal.Dir == "" {
		return journal.Nop{}, nil
	}
	jnl, err := journal.OpenFile(cfg.Journal.Dir, runID)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	return jnl, nil
}

// notifyCompletion publishes the run-completed event when an adapter is
// configured. Failures warn; they never change the run's exit code.
func notifyCompletion(ctx context.Context, cfg *config.Config, result *runtime.RunResult) {
	if cfg.Adapter.Type == "" {
		return
	}

	a, err := buildAdapter(cfg.Adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: adapter disabled: %v\n", err)
		return
	}
	defer func() { _ = a.Close() }()

	if err := a.Publish(ctx, adapter.NewRunCompletedEvent(result)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: completion event not published: %v\n", err)
	}
}

func buildAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	switch ac.Type {
	case "redis":
		retries := adapterredis.DefaultRetries
		if ac.Retries != nil {
			retries = *ac.Retries
		}
		return adapterredis.New(adapterredis.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
	case "webhook":
		retries := webhook.DefaultRetries
		if ac.Retries != nil {
			retries = *ac.Retries
		}
		return webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type: %s (must be redis or webhook)", ac.Type)
	}
}

// archiveRun uploads the terminal run snapshot to S3 when configured.
func archiveRun(ctx context.Context, cfg *config.Config, result *runtime.RunResult) {
	if !cfg.Archive.Enabled() {
		return
	}

	archiver, err := store.NewS3Archiver(ctx, store.S3Config{
		Bucket:       cfg.Archive.Bucket,
		Prefix:       cfg.Archive.Prefix,
		Region:       cfg.Archive.Region,
		Endpoint:     cfg.Archive.Endpoint,
		UsePathStyle: cfg.Archive.S3PathStyle,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: archive disabled: %v\n", err)
		return
	}

	if err := archiver.Archive(ctx, result.State); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: run not archived: %v\n", err)
	}
}
