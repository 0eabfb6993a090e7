// Package notify decides whether a terminal run should produce an email
// and renders it. Delivery itself is a collaborator behind the Mailer
// interface.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/easycronjobs/engine/internal/jobs"
)

// History is the ledger slice the throttler needs.
type History interface {
	PreviousTerminalState(ctx context.Context, jobID string, beforeRunRowID int64) (jobs.RunState, error)
	LastNotificationAt(ctx context.Context, jobID string) (*time.Time, error)
	NotificationsSentSince(ctx context.Context, jobID string, since time.Time) (int, error)
}

// Decision is the throttler's verdict for one terminal run.
type Decision struct {
	Notify bool
	// Reason explains a suppression: "trigger", "min_interval", "max_per_day".
	Reason string
}

type Throttler struct {
	History History
	// cache keeps last-sent timestamps and daily counters hot so the
	// common suppressed path costs no ledger round-trip.
	cache *gocache.Cache
	Now   func() time.Time
}

func NewThrottler(h History) *Throttler {
	return &Throttler{
		History: h,
		cache:   gocache.New(24*time.Hour, 10*time.Minute),
		Now:     time.Now,
	}
}

// ShouldNotify applies the trigger mode first, then the rate gates.
// Suppressions are normal control flow, not errors.
func (t *Throttler) ShouldNotify(ctx context.Context, job *jobs.Job, run *jobs.Run) (Decision, error) {
	policy := job.Notification
	if !t.triggerMatches(ctx, policy, job.ID, run) {
		return Decision{Notify: false, Reason: "trigger"}, nil
	}

	now := t.Now()

	if policy.MinIntervalMin > 0 {
		last, err := t.lastSent(ctx, job.ID)
		if err != nil {
			return Decision{}, err
		}
		if last != nil && now.Sub(*last) < time.Duration(policy.MinIntervalMin)*time.Minute {
			return Decision{Notify: false, Reason: "min_interval"}, nil
		}
	}

	if policy.MaxPerDay > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		sent, err := t.sentToday(ctx, job.ID, midnight)
		if err != nil {
			return Decision{}, err
		}
		if sent >= policy.MaxPerDay {
			return Decision{Notify: false, Reason: "max_per_day"}, nil
		}
	}

	return Decision{Notify: true}, nil
}

func (t *Throttler) triggerMatches(ctx context.Context, policy jobs.NotificationPolicy, jobID string, run *jobs.Run) bool {
	switch policy.Trigger {
	case jobs.TriggerAlways:
		return true
	case jobs.TriggerError:
		return run.State == jobs.RunFail || run.State == jobs.RunTimeout
	case jobs.TriggerSuccess:
		return run.State == jobs.RunOK
	case jobs.TriggerStatusChange:
		prev, err := t.History.PreviousTerminalState(ctx, jobID, run.ID)
		if err != nil {
			// First terminal run of the job: a brand-new state counts as
			// a change.
			return true
		}
		return prev != run.State
	case jobs.TriggerHTTPCodes:
		if run.ExitCode == nil {
			return false
		}
		for _, c := range policy.HTTPCodes {
			if *run.ExitCode == c {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MarkSent records a delivery in the hot cache; the ledger row is written
// by the caller.
func (t *Throttler) MarkSent(jobID string, at time.Time) {
	t.cache.Set(lastSentKey(jobID), at, gocache.DefaultExpiration)
	day := at.Format("2006-01-02")
	if n, ok := t.cache.Get(countKey(jobID, day)); ok {
		t.cache.Set(countKey(jobID, day), n.(int)+1, gocache.DefaultExpiration)
	} else {
		t.cache.Set(countKey(jobID, day), 1, gocache.DefaultExpiration)
	}
}

func (t *Throttler) lastSent(ctx context.Context, jobID string) (*time.Time, error) {
	if v, ok := t.cache.Get(lastSentKey(jobID)); ok {
		ts := v.(time.Time)
		return &ts, nil
	}
	last, err := t.History.LastNotificationAt(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		t.cache.Set(lastSentKey(jobID), *last, gocache.DefaultExpiration)
	}
	return last, nil
}

func (t *Throttler) sentToday(ctx context.Context, jobID string, midnight time.Time) (int, error) {
	day := midnight.Format("2006-01-02")
	if v, ok := t.cache.Get(countKey(jobID, day)); ok {
		return v.(int), nil
	}
	n, err := t.History.NotificationsSentSince(ctx, jobID, midnight)
	if err != nil {
		return 0, err
	}
	t.cache.Set(countKey(jobID, day), n, gocache.DefaultExpiration)
	return n, nil
}

func lastSentKey(jobID string) string   { return "last:" + jobID }
func countKey(jobID, day string) string { return "count:" + jobID + ":" + day }

/* ===================== Rendering ===================== */

// Render substitutes the template variables {job.name}, {run.state},
// {run.duration} and {now}. Unknown variables stay verbatim.
func Render(template string, job *jobs.Job, run *jobs.Run, now time.Time) string {
	r := strings.NewReplacer(
		"{job.name}", job.Name,
		"{run.state}", string(run.State),
		"{run.duration}", run.Duration().Round(time.Millisecond).String(),
		"{now}", now.UTC().Format(time.RFC3339),
	)
	return r.Replace(template)
}

// BuildBody renders the template and appends the optional log and
// response sections.
func BuildBody(job *jobs.Job, run *jobs.Run, now time.Time) string {
	var b strings.Builder
	b.WriteString(Render(job.Notification.Template, job, run, now))
	if job.Notification.IncludeLogs && run.Log != "" {
		b.WriteString("\n\n--- Logs ---\n")
		b.WriteString(run.Log)
	}
	if job.Notification.IncludeResponse && run.ExitCode != nil {
		b.WriteString(fmt.Sprintf("\n\n--- Response ---\nHTTP %d\n", *run.ExitCode))
	}
	return b.String()
}
