// Package backoff provides exponential backoff with jitter for retrying
// transient failures against the remote tool server.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the second attempt.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the base.
	Jitter float64
}

// DefaultPolicy returns the policy used for protocol calls.
// Initial: 250ms, Max: 8s, Factor: 2, Jitter: 20%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is base = initial * factor^(attempt-1), plus base*jitter*random,
// clamped to Max. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a provided random value in
// [0.0, 1.0). Used by tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(total)
}

