package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/easycronjobs/engine/internal/jobs"
)

func TestDelay_Exponential(t *testing.T) {
	p := jobs.ExecutionPolicy{BackoffType: jobs.BackoffExponential, BackoffDelayMS: 1000}
	want := map[int]time.Duration{
		1: 0,
		2: 1000 * time.Millisecond,
		3: 2000 * time.Millisecond,
		4: 4000 * time.Millisecond,
		5: 8000 * time.Millisecond,
	}
	for attempt, d := range want {
		if got := Delay(p, attempt); got != d {
			t.Fatalf("attempt %d: want %v got %v", attempt, d, got)
		}
	}
}

func TestDelay_Linear(t *testing.T) {
	p := jobs.ExecutionPolicy{BackoffType: jobs.BackoffLinear, BackoffDelayMS: 500}
	want := map[int]time.Duration{
		1: 0,
		2: 500 * time.Millisecond,
		3: 1000 * time.Millisecond,
		4: 1500 * time.Millisecond,
	}
	for attempt, d := range want {
		if got := Delay(p, attempt); got != d {
			t.Fatalf("attempt %d: want %v got %v", attempt, d, got)
		}
	}
}

func TestJittered_Bounds(t *testing.T) {
	p := jobs.ExecutionPolicy{Jitter: true}
	rng := rand.New(rand.NewSource(42))
	base := 2 * time.Second
	for i := 0; i < 1000; i++ {
		got := Jittered(p, base, rng)
		if got < time.Second || got >= 3*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 3s)", got)
		}
	}
}

func TestJittered_DisabledPassthrough(t *testing.T) {
	p := jobs.ExecutionPolicy{Jitter: false}
	rng := rand.New(rand.NewSource(1))
	if got := Jittered(p, time.Second, rng); got != time.Second {
		t.Fatalf("want passthrough, got %v", got)
	}
}

func TestResolve(t *testing.T) {
	p := jobs.ExecutionPolicy{Retries: 2}

	if got := Resolve(p, jobs.RunOK, 1); got != ChainSucceeded {
		t.Fatalf("success: want ChainSucceeded, got %v", got)
	}
	if got := Resolve(p, jobs.RunFail, 1); got != ChainContinues {
		t.Fatalf("first failure with budget: want ChainContinues, got %v", got)
	}
	if got := Resolve(p, jobs.RunTimeout, 2); got != ChainContinues {
		t.Fatalf("second failure with budget: want ChainContinues, got %v", got)
	}
	if got := Resolve(p, jobs.RunFail, 3); got != ChainFailed {
		t.Fatalf("budget exhausted: want ChainFailed, got %v", got)
	}

	noRetries := jobs.ExecutionPolicy{Retries: 0}
	if got := Resolve(noRetries, jobs.RunFail, 1); got != ChainFailed {
		t.Fatalf("retries=0: want ChainFailed, got %v", got)
	}
}

func TestTripsFailSafe(t *testing.T) {
	p := jobs.ExecutionPolicy{FailSafeThreshold: 3}
	if TripsFailSafe(p, 2) {
		t.Fatalf("below threshold should not trip")
	}
	if !TripsFailSafe(p, 3) {
		t.Fatalf("at threshold should trip")
	}
	off := jobs.ExecutionPolicy{FailSafeThreshold: 0}
	if TripsFailSafe(off, 100) {
		t.Fatalf("zero threshold disables fail-safe")
	}
}
