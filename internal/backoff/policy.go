// Package backoff computes retry delays for reconnection and retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Mode selects how the base delay grows with the attempt number.
type Mode int

const (
	// Exponential grows the delay as initial * factor^(attempt-1).
	Exponential Mode = iota
	// Linear grows the delay as initial * attempt.
	Linear
)

// Policy defines the parameters for backoff calculation.
type Policy struct {
	Mode Mode
	// InitialMs is the delay for the first attempt in milliseconds.
	InitialMs float64
	// MaxMs caps the delay in milliseconds. Zero means no cap.
	MaxMs float64
	// Factor is the exponential growth factor. Ignored by Linear.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64
}

// ComputeBackoff calculates the delay for a given attempt number, starting at 1.
func ComputeBackoff(policy Policy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the delay using a provided random value
// in [0.0, 1.0).
func ComputeBackoffWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base float64
	switch policy.Mode {
	case Linear:
		base = policy.InitialMs * float64(attempt)
	default:
		base = policy.InitialMs * math.Pow(policy.Factor, float64(attempt-1))
	}

	total := base + base*policy.Jitter*randomValue
	if policy.MaxMs > 0 {
		total = math.Min(policy.MaxMs, total)
	}
	return time.Duration(math.Round(total)) * time.Millisecond
}

// LinearPolicy returns a policy whose delay is delay*attempt.
func LinearPolicy(delay time.Duration) Policy {
	return Policy{
		Mode:      Linear,
		InitialMs: float64(delay.Milliseconds()),
	}
}
