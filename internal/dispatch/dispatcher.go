// Package dispatch owns the due-time scan loop: it decides, per due job,
// whether a new run may start under the job's concurrency policy, hands
// accepted fires to the worker stream, and keeps next_fire_at current.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/easycronjobs/engine/internal/jobs"
	redisx "github.com/easycronjobs/engine/internal/redis"
	"github.com/easycronjobs/engine/internal/schedule"
)

// Action is the overlap-resolution verdict for one due fire.
type Action int

const (
	// ActionStart: no conflicting run, or concurrency=allow. Create a
	// run and dispatch it.
	ActionStart Action = iota
	// ActionPark: concurrency=queue with a run in flight. Retain a
	// single pending intent, dispatched when the running one terminates.
	ActionPark
	// ActionSkip: concurrency=skip with a run in flight. No run record;
	// the skip lands in the event ledger.
	ActionSkip
	// ActionCollapse: queue mode with an intent already parked. The new
	// due-time folds into it; cron jobs do not catch up indefinitely.
	ActionCollapse
)

// ResolveOverlap applies the concurrency policy to the observed ledger
// state. Pure; the dispatcher calls it under the per-job lock.
func ResolveOverlap(mode jobs.ConcurrencyMode, running, parked bool) Action {
	if !running {
		return ActionStart
	}
	switch mode {
	case jobs.ConcurrencyAllow:
		return ActionStart
	case jobs.ConcurrencyQueue:
		if parked {
			return ActionCollapse
		}
		return ActionPark
	default:
		return ActionSkip
	}
}

type Dispatcher struct {
	DB      *sql.DB
	Store   *jobs.Store
	RDB     *redis.Client
	Streams redisx.StreamsConfig
	Logger  *logrus.Logger
	Now     func() time.Time
	Batch   int
}

// Loop ticks once a second. Only the leader scans; a failed tick is
// logged and the next one proceeds.
func (d *Dispatcher) Loop(ctx context.Context, elect *redisx.LeaderElector, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !elect.IsLeader() {
				continue
			}
			if err := d.RunOnce(ctx); err != nil {
				d.Logger.WithError(err).Error("dispatch scan failed")
			}
		}
	}
}

// RunOnce scans due jobs and dispatches each under its per-job lock.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	now := d.Now().UTC()
	due, err := d.Store.LoadDueJobs(ctx, now, d.Batch)
	if err != nil {
		return err
	}
	for i := range due {
		job := &due[i]
		locked, err := schedule.WithJobTxLock(ctx, d.DB, job.ID, func(tx *sql.Tx) error {
			return d.dispatchOne(ctx, tx, job, now)
		})
		if err != nil {
			d.Logger.WithError(err).WithField("job_id", job.ID).Error("dispatch failed")
			continue
		}
		if !locked {
			// Another tick or replica holds the job; it will advance it.
			continue
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, tx *sql.Tx, job *jobs.Job, now time.Time) error {
	// Re-check under the lock: the job may have been edited, disabled or
	// already advanced since the scan.
	var stillDue bool
	if err := tx.QueryRowContext(ctx, `
SELECT (status = 'ENABLED' AND next_fire_at IS NOT NULL AND next_fire_at <= $1)
FROM jobs WHERE id = $2`, now, job.ID).Scan(&stillDue); err != nil {
		return err
	}
	if !stillDue {
		return nil
	}

	fireAt := now
	if job.NextFireAt != nil {
		fireAt = job.NextFireAt.UTC()
	}

	running, parked, err := overlapState(ctx, tx, job.ID)
	if err != nil {
		return err
	}

	action := ResolveOverlap(job.Execution.Concurrency, running, parked)
	log := d.Logger.WithFields(logrus.Fields{"job_id": job.ID, "fire_at": fireAt})

	switch action {
	case ActionStart, ActionPark:
		runID := uuid.NewString()
		idKey, err := jobs.ComputeIdempotencyKey(job.ID, fireAt, job.Request)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_runs (job_id, run_id, state, scheduled_at, attempts, parked, idempotency_key)
VALUES ($1, $2, 'QUEUED', $3, 1, $4, $5)
ON CONFLICT (idempotency_key) DO NOTHING`,
			job.ID, runID, fireAt, action == ActionPark, idKey); err != nil {
			return err
		}
		if action == ActionStart {
			if _, err := redisx.XAddJSON(ctx, d.RDB, d.Streams.Due, runPayload(job.ID, runID, 1, fireAt)); err != nil {
				return err
			}
			log.WithField("run_id", runID).Info("dispatched")
		} else {
			log.WithField("run_id", runID).Info("parked behind running execution")
		}
	case ActionSkip:
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_events (job_id, kind, detail)
VALUES ($1, 'overlap_skipped', $2::jsonb)`,
			job.ID, `{"scheduled_at":"`+fireAt.Format(time.RFC3339)+`"}`); err != nil {
			return err
		}
		log.Info("skipped due to overlap")
	case ActionCollapse:
		log.Info("collapsed into parked execution")
	}

	// Self-scheduling: advance from the consumed fire time so the loop
	// never re-scans history.
	next, err := schedule.NextFire(job.Schedule, fireAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET next_fire_at = $1 WHERE id = $2`, next, job.ID); err != nil {
		return err
	}
	if next == nil {
		log.Warn("schedule admits no further fire times; job dormant")
	}
	return nil
}

// overlapState reads the two ledger facts ResolveOverlap needs, inside the
// caller's locked transaction.
func overlapState(ctx context.Context, tx *sql.Tx, jobID string) (running, parked bool, err error) {
	err = tx.QueryRowContext(ctx, `
SELECT
  EXISTS (SELECT 1 FROM job_runs WHERE job_id = $1 AND state = 'RUNNING'),
  EXISTS (SELECT 1 FROM job_runs WHERE job_id = $1 AND state = 'QUEUED' AND parked = true)`,
		jobID).Scan(&running, &parked)
	return running, parked, err
}

func runPayload(jobID, runID string, attempt int, scheduledAt time.Time) map[string]any {
	return map[string]any{
		"run_id":       runID,
		"job_id":       jobID,
		"attempt":      attempt,
		"scheduled_at": scheduledAt.UTC().Format(time.RFC3339Nano),
	}
}

// Trigger injects out-of-schedule fires: the manual run-now button and
// runOnDeploy activation. Both go through the same worker pipeline.
type Trigger struct {
	Store   *jobs.Store
	RDB     *redis.Client
	Streams redisx.StreamsConfig
}

// ErrOverlap is returned when the job's concurrency policy rejects an
// immediate run because one is already in flight.
var ErrOverlap = errors.New("job already has an execution in flight")

// EnqueueImmediateRun creates a QUEUED run due now and places it on the
// adhoc stream. It resolves the job's concurrency policy under the same
// per-job lock the dispatcher uses: skip mode rejects with ErrOverlap,
// queue mode parks the run behind the in-flight one.
func (t *Trigger) EnqueueImmediateRun(ctx context.Context, job *jobs.Job, kind jobs.EventKind) (*jobs.Run, error) {
	now := time.Now().UTC()
	runID := uuid.NewString()
	idKey, err := jobs.ComputeIdempotencyKey(job.ID, now, job.Request)
	if err != nil {
		return nil, err
	}

	var action Action
	locked, err := schedule.WithJobTxLock(ctx, t.Store.DB, job.ID, func(tx *sql.Tx) error {
		running, parked, err := overlapState(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		action = ResolveOverlap(job.Execution.Concurrency, running, parked)
		switch action {
		case ActionStart, ActionPark:
			_, err := tx.ExecContext(ctx, `
INSERT INTO job_runs (job_id, run_id, state, scheduled_at, attempts, parked, idempotency_key)
VALUES ($1, $2, 'QUEUED', $3, 1, $4, $5)`,
				job.ID, runID, now, action == ActionPark, idKey)
			return err
		default:
			// Skip mode, or a second trigger while one is already parked.
			return ErrOverlap
		}
	})
	if err != nil {
		return nil, err
	}
	if !locked {
		// The dispatcher holds the job right now; surface as contention.
		return nil, ErrOverlap
	}

	if action == ActionStart {
		if _, err := redisx.XAddJSON(ctx, t.RDB, t.Streams.Adhoc, runPayload(job.ID, runID, 1, now)); err != nil {
			return nil, err
		}
	}
	_ = t.Store.InsertEvent(ctx, job.ID, kind, map[string]any{"run_id": runID, "parked": action == ActionPark})
	return t.Store.GetRun(ctx, runID)
}
