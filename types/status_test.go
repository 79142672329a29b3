package types

import "testing"

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{
		StatusSucceeded, StatusFailedFatal, StatusSkipped,
		StatusCompensated, StatusCompensationFailed,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []Status{StatusPending, StatusRunning, StatusFailedRetryable, StatusCompensating}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailedRetryable, true},
		{StatusRunning, StatusFailedFatal, true},
		{StatusFailedRetryable, StatusRunning, true},
		{StatusFailedRetryable, StatusFailedFatal, true},
		{StatusSucceeded, StatusCompensating, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusCompensating, StatusCompensated, true},
		{StatusCompensating, StatusCompensationFailed, true},
		{StatusFailedFatal, StatusRunning, false},
		{StatusSkipped, StatusRunning, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	if RunRunning.IsTerminal() || RunInitializing.IsTerminal() {
		t.Error("initializing/running should not be terminal")
	}
	for _, s := range []RunStatus{RunCompleted, RunFailed, RunInconsistent} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}
