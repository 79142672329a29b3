package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/gantry/types"
)

// fakeClock is a manually advanced clock for deterministic tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(threshold int, recovery time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(Settings{FailureThreshold: threshold, RecoveryTimeout: recovery}, WithClock(clock.now))
	return r, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, 10*time.Second)
	b := r.Get("doc-store")

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker should allow call %d: %v", i, err)
		}
		b.RecordFailure()
	}

	if got := b.Snapshot().State; got != Open {
		t.Fatalf("expected open after 3 failures, got %s", got)
	}

	err := b.Allow()
	var coe *types.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if coe.Dependency != "doc-store" {
		t.Errorf("error should name the dependency, got %q", coe.Dependency)
	}
	if coe.RetryAfter <= 0 || coe.RetryAfter > 10*time.Second {
		t.Errorf("retry-after should be within the recovery window, got %s", coe.RetryAfter)
	}
}

func TestBreaker_FastFailBeforeRecovery(t *testing.T) {
	r, clock := newTestRegistry(3, 10*time.Second)
	b := r.Get("doc-store")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.advance(9 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("call at t<10s should fail fast")
	}
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	r, clock := newTestRegistry(3, 10*time.Second)
	b := r.Get("doc-store")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.advance(10 * time.Second)

	// Exactly one trial admitted; a concurrent caller fails fast.
	if err := b.Allow(); err != nil {
		t.Fatalf("call at t>=10s should be admitted as trial: %v", err)
	}
	if got := b.Snapshot().State; got != HalfOpen {
		t.Fatalf("expected half_open during trial, got %s", got)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("second caller during trial should fail fast")
	}

	b.RecordSuccess()
	snap := b.Snapshot()
	if snap.State != Closed {
		t.Errorf("trial success should close the circuit, got %s", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("trial success should zero the failure counter, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	r, clock := newTestRegistry(3, 10*time.Second)
	b := r.Get("doc-store")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.advance(10 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	openedBefore := b.Snapshot().OpenedAt

	clock.advance(3 * time.Second)
	b.RecordFailure()

	snap := b.Snapshot()
	if snap.State != Open {
		t.Fatalf("trial failure should reopen, got %s", snap.State)
	}
	if !snap.OpenedAt.After(openedBefore) {
		t.Error("trial failure should restart the recovery clock")
	}

	// Immediately after reopening, calls fail fast again.
	if err := b.Allow(); err == nil {
		t.Error("reopened breaker should fail fast")
	}
}

func TestRegistry_PerDependencyIsolation(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	r.Get("redis").RecordFailure()

	if got := r.Get("redis").Snapshot().State; got != Open {
		t.Errorf("redis breaker should be open, got %s", got)
	}
	if got := r.Get("s3").Snapshot().State; got != Closed {
		t.Errorf("s3 breaker should be untouched, got %s", got)
	}
	if r.Get("") != nil {
		t.Error("empty dependency name should not be breaker-guarded")
	}

	if len(r.Snapshots()) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(r.Snapshots()))
	}

	r.Reset()
	if got := r.Get("redis").Snapshot().State; got != Closed {
		t.Errorf("reset should clear breaker state, got %s", got)
	}
}
