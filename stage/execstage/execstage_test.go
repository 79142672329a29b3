package execstage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/types"
)

func TestNew_RequiresCommand(t *testing.T) {
	if _, err := New(Config{Stage: "extract"}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecute_ReadsResultFromStdout(t *testing.T) {
	h, err := New(Config{
		Stage:   "extract",
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo '{"rows": 120, "stage": "'"$GANTRY_STAGE"'"}'`},
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := h.Execute(t.Context(), pipeline.Inputs{"input": map[string]any{"day": "2026-08-23"}})
	if err != nil {
		t.Fatal(err)
	}
	if out["rows"] != float64(120) {
		t.Errorf("expected rows=120, got %v", out["rows"])
	}
	if out["stage"] != "extract" {
		t.Errorf("stage id should be exported to the command, got %v", out["stage"])
	}
}

func TestExecute_PassesInputsOnStdin(t *testing.T) {
	// The command echoes its stdin back; the result must round-trip the
	// stage context.
	h, err := New(Config{Stage: "echo", Command: "cat"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := h.Execute(t.Context(), pipeline.Inputs{"upstream": map[string]any{"v": "a"}})
	if err != nil {
		t.Fatal(err)
	}
	if out["stage"] != "echo" {
		t.Errorf("stdin payload should carry the stage id, got %v", out["stage"])
	}
	inputs, ok := out["inputs"].(map[string]any)
	if !ok {
		t.Fatalf("stdin payload should carry inputs, got %v", out["inputs"])
	}
	if up, _ := inputs["upstream"].(map[string]any); up["v"] != "a" {
		t.Errorf("upstream inputs lost in transit: %v", inputs)
	}
}

func TestExecute_EmptyStdoutMeansEmptyResult(t *testing.T) {
	h, err := New(Config{Stage: "noop", Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := h.Execute(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty result, got %v", out)
	}
}

func TestExecute_ExitOneIsTransient(t *testing.T) {
	h, err := New(Config{
		Stage:   "flaky",
		Command: "sh",
		Args:    []string{"-c", "echo 'connection reset' >&2; exit 1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Execute(t.Context(), nil)
	if err == nil {
		t.Fatal("expected error for exit 1")
	}
	if types.DefaultClassifier(err) != types.FailureTransient {
		t.Errorf("exit 1 should classify transient, got fatal: %v", err)
	}
	var te *types.TransientError
	if !errors.As(err, &te) {
		t.Errorf("expected transient wrapper, got %T", err)
	}
}

func TestExecute_ExitTwoIsFatal(t *testing.T) {
	h, err := New(Config{
		Stage:   "broken",
		Command: "sh",
		Args:    []string{"-c", "echo 'bad schema' >&2; exit 2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Execute(t.Context(), nil)
	if err == nil {
		t.Fatal("expected error for exit 2")
	}
	if types.DefaultClassifier(err) != types.FailureFatal {
		t.Errorf("exit 2 should classify fatal: %v", err)
	}
}

func TestExecute_StderrAttachedToFailure(t *testing.T) {
	h, err := New(Config{
		Stage:   "broken",
		Command: "sh",
		Args:    []string{"-c", "echo 'index out of range' >&2; exit 2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Execute(t.Context(), nil)
	if err == nil || !strings.Contains(err.Error(), "index out of range") {
		t.Errorf("stderr should be attached to the failure, got %v", err)
	}
}

func TestExecute_InvalidResultJSON(t *testing.T) {
	h, err := New(Config{
		Stage:   "chatty",
		Command: "sh",
		Args:    []string{"-c", "echo 'not json'"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Execute(t.Context(), nil); err == nil {
		t.Fatal("expected error for non-JSON stdout")
	}
}

func TestExecute_KilledOnCancellation(t *testing.T) {
	h, err := New(Config{
		Stage:   "slow",
		Command: "sleep",
		Args:    []string{"60"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = h.Execute(ctx, nil)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process was not killed promptly on cancellation")
	}
}
