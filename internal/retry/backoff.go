// Package retry decides whether and when a failed run is attempted again,
// and tracks the per-job consecutive-failure count that drives the
// fail-safe auto-disable.
package retry

import (
	"math/rand"
	"time"

	"github.com/easycronjobs/engine/internal/jobs"
)

// Delay computes the pre-jitter backoff before attempt number attempt
// (1-based: the delay before attempt 2 is the first backoff).
//
//	linear:      base * (attempt-1)
//	exponential: base * 2^(attempt-2)
func Delay(policy jobs.ExecutionPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := time.Duration(policy.BackoffDelayMS) * time.Millisecond
	switch policy.BackoffType {
	case jobs.BackoffExponential:
		return base * (1 << (attempt - 2))
	default:
		return base * time.Duration(attempt-1)
	}
}

// Jittered applies the policy's jitter to d: a random factor in [0.5, 1.5).
func Jittered(policy jobs.ExecutionPolicy, d time.Duration, rng *rand.Rand) time.Duration {
	if !policy.Jitter || d <= 0 {
		return d
	}
	factor := 0.5 + rng.Float64()
	return time.Duration(float64(d) * factor)
}

// ShouldRetry reports whether a failed attempt leaves budget for another.
// attempt is the 1-based attempt that just failed; Retries counts the
// additional attempts allowed after the first.
func ShouldRetry(policy jobs.ExecutionPolicy, attempt int) bool {
	return attempt <= policy.Retries
}

// ChainOutcome summarizes what a terminal attempt means for the job.
type ChainOutcome int

const (
	// ChainContinues: the attempt failed but a retry follows; the
	// consecutive-failure counter is untouched.
	ChainContinues ChainOutcome = iota
	// ChainSucceeded: terminal success; counter resets to zero.
	ChainSucceeded
	// ChainFailed: retries exhausted; counter increments by one.
	ChainFailed
)

// Resolve classifies a finished attempt.
func Resolve(policy jobs.ExecutionPolicy, state jobs.RunState, attempt int) ChainOutcome {
	if state == jobs.RunOK {
		return ChainSucceeded
	}
	if ShouldRetry(policy, attempt) {
		return ChainContinues
	}
	return ChainFailed
}

// TripsFailSafe reports whether the new consecutive-failure count crosses
// the policy threshold. A zero threshold disables the fail-safe.
func TripsFailSafe(policy jobs.ExecutionPolicy, consecutive int) bool {
	return policy.FailSafeThreshold > 0 && consecutive >= policy.FailSafeThreshold
}
