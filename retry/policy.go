// Package retry executes stage attempts under an exponential backoff
// policy with jitter, consulting the circuit breaker registry before
// each attempt and classifying failures as transient or fatal.
package retry

import (
	"math"
	"time"
)

// Policy controls backoff between attempts of one node.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`
	// Multiplier grows the delay per retry.
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps the grown delay before jitter is applied.
	MaxDelay time.Duration `yaml:"max_delay"`
	// JitterFraction spreads each delay by U(-j, +j).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultPolicy is applied when neither config nor the stage declares
// a policy.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	BaseDelay:      time.Second,
	Multiplier:     2,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
}

// Delay computes the backoff before retry n (0-indexed):
//
//	min(MaxDelay, BaseDelay * Multiplier^n) * (1 + U(-jitter, +jitter))
//
// jitter returns U(0, 1) and must be safe for concurrent use; it may
// be nil when JitterFraction is zero.
func Delay(p Policy, n int, jitter func() float64) time.Duration {
	grown := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	capped := math.Min(grown, float64(p.MaxDelay))

	if p.JitterFraction > 0 && jitter != nil {
		// U(-j, +j)
		u := (jitter()*2 - 1) * p.JitterFraction
		capped *= 1 + u
	}
	if capped < 0 {
		return 0
	}
	return time.Duration(capped)
}
