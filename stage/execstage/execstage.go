// Package execstage runs a pipeline stage as an external command.
//
// The stage context is written to the command's stdin as JSON; the
// stage result is read back from stdout as a JSON object. Exit codes
// classify failures: 0 is success, 1 is a transient failure worth
// retrying, 2 (or anything else) is fatal. Stderr is captured and
// attached to the failure for diagnostics. The process is killed when
// the stage context is canceled.
package execstage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/types"
)

// Exit codes of the stage command contract.
const (
	ExitCodeOK        = 0 // result JSON on stdout
	ExitCodeTransient = 1 // retryable failure
	ExitCodeFatal     = 2 // non-retryable failure
)

// stderrLimit bounds how much captured stderr ends up in error
// messages and the persisted execution record.
const stderrLimit = 4096

// Config declares the command a stage runs.
type Config struct {
	// Stage is the stage id, exported to the command as GANTRY_STAGE.
	Stage string
	// Command is the executable to run. Required.
	Command string
	// Args are the command arguments.
	Args []string
	// Env adds environment variables on top of the parent environment.
	Env map[string]string
	// Dir is the working directory. Empty means inherit.
	Dir string
}

// Handler executes a stage by running the configured command.
type Handler struct {
	cfg Config
}

// New validates the config and creates a subprocess handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Command == "" {
		return nil, errors.New("execstage: command is required")
	}
	return &Handler{cfg: cfg}, nil
}

// stageInput is the JSON structure written to the command's stdin.
type stageInput struct {
	Stage  string          `json:"stage"`
	Inputs pipeline.Inputs `json:"inputs"`
}

// Execute runs the command once. Implements pipeline.Handler.
func (h *Handler) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Result, error) {
	cmd := exec.CommandContext(ctx, h.cfg.Command, h.cfg.Args...)
	cmd.Dir = h.cfg.Dir
	cmd.Env = append(os.Environ(), "GANTRY_STAGE="+h.cfg.Stage)
	for k, v := range h.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	input, err := json.Marshal(stageInput{Stage: h.cfg.Stage, Inputs: in})
	if err != nil {
		return nil, fmt.Errorf("execstage: encode input: %w", err)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, classifyExit(h.cfg.Stage, exitErr.ExitCode(), stderr.Bytes())
		}
		return nil, fmt.Errorf("execstage: run %s: %w", h.cfg.Command, runErr)
	}

	var result pipeline.Result
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			return nil, fmt.Errorf("execstage: stage %s wrote invalid result JSON: %w", h.cfg.Stage, err)
		}
	}
	return result, nil
}

// classifyExit maps a non-zero exit code to the failure taxonomy.
func classifyExit(stage string, code int, stderr []byte) error {
	diag := strings.TrimSpace(string(truncate(stderr, stderrLimit)))
	err := fmt.Errorf("execstage: stage %s exited with code %d: %s", stage, code, diag)
	if code == ExitCodeTransient {
		return types.MarkTransient(err)
	}
	return err
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Verify Handler implements the stage handler interface.
var _ pipeline.Handler = (*Handler)(nil)
