// Package breaker implements per-dependency circuit breakers.
//
// One breaker exists per declared dependency name, shared across every
// node that declares that dependency and across runs within the
// process. State is mutated only through Allow/RecordSuccess/
// RecordFailure under the breaker's mutex, so it is safe for the
// scheduler's worker pool.
package breaker

import (
	"sync"
	"time"

	"github.com/justapithecus/gantry/types"
)

// State is the circuit breaker state.
type State string

// Breaker states.
const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings configures breaker thresholds.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that opens
	// the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before one
	// half-open trial is admitted.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// DefaultSettings are applied when config declares none.
var DefaultSettings = Settings{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
}

// Breaker is the failure-rate state machine for one dependency name.
type Breaker struct {
	mu sync.Mutex

	name     string
	settings Settings
	now      func() time.Time

	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// Snapshot is a read-only view of breaker state for inspection.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

func newBreaker(name string, settings Settings, now func() time.Time) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings,
		now:      now,
		state:    Closed,
	}
}

// Allow reports whether a call may proceed.
//
// CLOSED admits everything. OPEN fails fast with *types.CircuitOpenError
// until the recovery timeout elapses, at which point exactly one caller
// is admitted as the HALF_OPEN trial; concurrent callers keep failing
// fast until that trial settles.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil

	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.settings.RecoveryTimeout {
			return &types.CircuitOpenError{
				Dependency: b.name,
				RetryAfter: b.settings.RecoveryTimeout - elapsed,
			}
		}
		b.state = HalfOpen
		b.trialInFlight = true
		return nil

	case HalfOpen:
		if b.trialInFlight {
			return &types.CircuitOpenError{Dependency: b.name}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call. A half-open trial success
// closes the circuit and zeroes the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.state = Closed
}

// RecordFailure records a failed call. While CLOSED, reaching the
// threshold opens the circuit. A half-open trial failure re-opens it
// and restarts the recovery clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.trialInFlight = false
	case Open:
		// Late failure from a call admitted before the circuit
		// opened; the clock is not restarted for it.
	}
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

// Registry holds one breaker per dependency name. Breakers outlive a
// single run; Reset is the explicit operator action that clears them.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	now      func() time.Time
	breakers map[string]*Breaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock. Test injection only.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry applying settings to new breakers.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultSettings.RecoveryTimeout
	}
	r := &Registry{
		settings: settings,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for the dependency name, creating it on
// first use. Returns nil for the empty name: nodes without a declared
// dependency are not breaker-guarded.
func (r *Registry) Get(name string) *Breaker {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.settings, r.now)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Reset clears all breaker state. Explicit operator action only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}
