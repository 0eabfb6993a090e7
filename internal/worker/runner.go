// Package worker consumes run streams, performs the outbound call, writes
// ledger transitions, drives the retry chain and fail-safe, promotes
// queued intents and hands terminal outcomes to the notifier.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/easycronjobs/engine/internal/invoker"
	"github.com/easycronjobs/engine/internal/jobs"
	"github.com/easycronjobs/engine/internal/notify"
	redisx "github.com/easycronjobs/engine/internal/redis"
	"github.com/easycronjobs/engine/internal/retry"
)

type Runner struct {
	Store        *jobs.Store
	RDB          *redis.Client
	Streams      redisx.StreamsConfig
	Group        string
	ConsumerName string
	Invoker      *invoker.Invoker
	Throttler    *notify.Throttler
	Mailer       notify.Mailer
	Logger       *logrus.Logger
	Rand         *rand.Rand
}

func (r *Runner) Start(ctx context.Context) {
	_ = redisx.EnsureGroup(ctx, r.RDB, r.Streams.Due, r.Group)
	_ = redisx.EnsureGroup(ctx, r.RDB, r.Streams.Adhoc, r.Group)
	_ = redisx.EnsureGroup(ctx, r.RDB, r.Streams.Retry, r.Group)

	go r.consume(ctx, r.Streams.Due)
	go r.consume(ctx, r.Streams.Adhoc)
	go r.consume(ctx, r.Streams.Retry)
}

func (r *Runner) consume(ctx context.Context, stream string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := redisx.XReadGroupJSON(ctx, r.RDB, redisx.ReadOptions{
			Streams:       []string{stream, ">"},
			ConsumerGroup: r.Group,
			ConsumerName:  r.ConsumerName,
			Count:         16,
			Block:         5 * time.Second,
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			r.Logger.WithError(err).WithField("stream", stream).Error("stream read failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, m := range msgs {
			// Each invocation may block up to its timeout; running them
			// concurrently keeps one slow endpoint from stalling the
			// batch.
			go func(m redisx.DecodedMessage) {
				if err := r.processMessage(ctx, stream, m); err != nil {
					r.Logger.WithError(err).WithFields(logrus.Fields{
						"stream": stream, "msg_id": m.ID,
					}).Error("run processing failed")
				}
			}(m)
		}
	}
}

func (r *Runner) processMessage(ctx context.Context, stream string, m redisx.DecodedMessage) error {
	// Deferred retries ride the retry stream until their due instant.
	if stream == r.Streams.Retry {
		if due, ok := m.Payload["available_at_ms"].(float64); ok {
			if float64(time.Now().UnixMilli()) < due {
				_, _ = redisx.XAddJSON(ctx, r.RDB, r.Streams.Retry, m.Payload)
				_, _ = redisx.Ack(ctx, r.RDB, stream, r.Group, m.ID)
				return nil
			}
		}
	}

	runID, _ := str(m.Payload["run_id"])
	jobID, _ := str(m.Payload["job_id"])
	attempt := 1
	if a, ok := toInt(m.Payload["attempt"]); ok && a > 0 {
		attempt = a
	}
	if runID == "" || jobID == "" {
		_, _ = redisx.Ack(ctx, r.RDB, stream, r.Group, m.ID)
		return errors.New("invalid message: missing run_id or job_id")
	}

	defer func() { _, _ = redisx.Ack(ctx, r.RDB, stream, r.Group, m.ID) }()

	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	log := r.Logger.WithFields(logrus.Fields{
		"job_id": jobID, "run_id": runID, "attempt": attempt,
	})

	if job.Status == jobs.JobDisabled {
		// The job was turned off between enqueue and pickup. Close the
		// record without calling anyone, without chain accounting, and
		// marked as dropped so it never reads as a real outcome.
		_, ferr := r.Store.FinishRun(ctx, jobs.FinishRunParams{
			RunID: runID, State: jobs.RunFail, Log: "job disabled before execution",
		})
		if errors.Is(ferr, jobs.ErrTerminal) {
			return nil
		}
		if ferr != nil {
			return ferr
		}
		_ = r.Store.InsertEvent(ctx, jobID, jobs.EventRunDropped, map[string]any{
			"run_id": runID, "reason": "job_disabled",
		})
		log.Info("dropped run of disabled job")
		return nil
	}

	run, err := r.Store.MarkRunRunning(ctx, runID, r.ConsumerName)
	if errors.Is(err, jobs.ErrTerminal) {
		// Re-delivered message for an already-finished run.
		return nil
	}
	if err != nil {
		return err
	}

	run = r.execute(ctx, job, run, log)
	if run == nil {
		return nil
	}

	return r.settle(ctx, job, run, attempt, log)
}

// execute performs the outbound call and writes the terminal transition.
func (r *Runner) execute(ctx context.Context, job *jobs.Job, run *jobs.Run, log *logrus.Entry) *jobs.Run {
	ictx := ctx
	if job.Execution.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, time.Duration(job.Execution.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	out, err := r.Invoker.Invoke(ictx, job.Request)
	if err != nil {
		// Local precondition failure: bad URL or unparseable body. The
		// call never went out.
		finished, ferr := r.Store.FinishRun(ctx, jobs.FinishRunParams{
			RunID: run.RunID, State: jobs.RunFail, Log: "precondition: " + err.Error(),
		})
		if ferr != nil {
			log.WithError(ferr).Error("terminal write failed")
			return nil
		}
		return finished
	}

	state := invoker.StateFor(out.Class)
	var exit *int
	if out.StatusCode != 0 {
		code := out.StatusCode
		exit = &code
	}
	excerpt := out.Body
	if out.Err != nil {
		excerpt = out.Err.Error()
	}

	finished, ferr := r.Store.FinishRun(ctx, jobs.FinishRunParams{
		RunID: run.RunID, State: state, ExitCode: exit, Log: excerpt,
	})
	if ferr != nil {
		log.WithError(ferr).Error("terminal write failed")
		return nil
	}
	log.WithFields(logrus.Fields{
		"state": state, "exit_code": out.StatusCode, "elapsed": out.Elapsed,
	}).Info("run finished")
	return finished
}

// settle applies retry, fail-safe, queue-promotion and notification rules
// to a terminal run.
func (r *Runner) settle(ctx context.Context, job *jobs.Job, run *jobs.Run, attempt int, log *logrus.Entry) error {
	switch retry.Resolve(job.Execution, run.State, attempt) {
	case retry.ChainContinues:
		return r.scheduleRetry(ctx, job, run, attempt, log)
	case retry.ChainSucceeded:
		if err := r.Store.ResetConsecutiveFailures(ctx, job.ID); err != nil {
			log.WithError(err).Error("failure counter reset failed")
		}
	case retry.ChainFailed:
		count, tripped, err := r.Store.RecordChainFailure(ctx, job.ID, job.Execution.FailSafeThreshold)
		if err != nil {
			log.WithError(err).Error("failure accounting failed")
		} else if tripped {
			log.WithField("consecutive_failures", count).Warn("fail-safe threshold reached; job disabled")
			_ = r.Store.InsertEvent(ctx, job.ID, jobs.EventFailSafe, map[string]any{
				"consecutive_failures": count,
				"threshold":            job.Execution.FailSafeThreshold,
				"run_id":               run.RunID,
			})
			_, _ = redisx.XAddJSON(ctx, r.RDB, r.Streams.FailSafe, map[string]any{
				"job_id": job.ID, "run_id": run.RunID, "consecutive_failures": count,
			})
		}
	}

	r.promoteParked(ctx, job, log)
	r.notifyOutcome(ctx, job, run, log)
	return nil
}

func (r *Runner) scheduleRetry(ctx context.Context, job *jobs.Job, run *jobs.Run, attempt int, log *logrus.Entry) error {
	next := attempt + 1
	delay := retry.Delay(job.Execution, next)
	if r.Rand != nil {
		delay = retry.Jittered(job.Execution, delay, r.Rand)
	}

	newRunID := uuid.NewString()
	// Retries are chained records, not new scheduled fires: they keep the
	// original scheduled_at and never touch next_fire_at.
	if _, err := r.Store.InsertRun(ctx, jobs.InsertRunParams{
		JobID:          job.ID,
		RunID:          newRunID,
		ScheduledAt:    run.ScheduledAt,
		Attempts:       next,
		IdempotencyKey: newRunID,
	}); err != nil {
		return err
	}
	availableAt := time.Now().Add(delay).UnixMilli()
	if _, err := redisx.XAddJSON(ctx, r.RDB, r.Streams.Retry, map[string]any{
		"run_id":          newRunID,
		"job_id":          job.ID,
		"attempt":         next,
		"scheduled_at":    run.ScheduledAt.UTC().Format(time.RFC3339Nano),
		"available_at_ms": availableAt,
	}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"next_attempt": next, "delay": delay}).Info("retry scheduled")
	return nil
}

// promoteParked releases the job's single queued intent once the running
// chain has settled.
func (r *Runner) promoteParked(ctx context.Context, job *jobs.Job, log *logrus.Entry) {
	parked, err := r.Store.ParkedRun(ctx, job.ID)
	if errors.Is(err, jobs.ErrNotFound) {
		return
	}
	if err != nil {
		log.WithError(err).Error("parked lookup failed")
		return
	}
	released, err := r.Store.ReleaseParkedRun(ctx, parked.RunID)
	if err != nil || !released {
		return
	}
	_, _ = redisx.XAddJSON(ctx, r.RDB, r.Streams.Due, map[string]any{
		"run_id":       parked.RunID,
		"job_id":       job.ID,
		"attempt":      1,
		"scheduled_at": parked.ScheduledAt.UTC().Format(time.RFC3339Nano),
	})
	log.WithField("run_id", parked.RunID).Info("promoted parked run")
}

// notifyOutcome runs the throttler on a chain-final outcome and delivers
// or records the suppression.
func (r *Runner) notifyOutcome(ctx context.Context, job *jobs.Job, run *jobs.Run, log *logrus.Entry) {
	if len(job.Notification.Recipients) == 0 {
		return
	}
	decision, err := r.Throttler.ShouldNotify(ctx, job, run)
	if err != nil {
		log.WithError(err).Error("notification decision failed")
		return
	}
	now := time.Now().UTC()
	subject := notify.Render(job.Notification.Subject, job, run, now)

	if !decision.Notify {
		if decision.Reason != "trigger" {
			// Rate-limited notifications are counted as blocked for
			// observability; trigger misses are simply not notifiable.
			_ = r.Store.InsertNotification(ctx, jobs.InsertNotificationParams{
				JobID: job.ID, RunID: run.RunID, Status: jobs.NotificationBlocked,
				Reason: decision.Reason, Recipients: job.Notification.Recipients, Subject: subject,
			})
			log.WithField("reason", decision.Reason).Info("notification blocked")
		}
		return
	}

	body := notify.BuildBody(job, run, now)
	if err := r.Mailer.Send(ctx, job.Notification.Recipients, subject, body); err != nil {
		log.WithError(err).Error("notification delivery failed")
		_ = r.Store.InsertNotification(ctx, jobs.InsertNotificationParams{
			JobID: job.ID, RunID: run.RunID, Status: jobs.NotificationBlocked,
			Reason: "delivery_error", Recipients: job.Notification.Recipients, Subject: subject,
		})
		return
	}
	r.Throttler.MarkSent(job.ID, now)
	_ = r.Store.InsertNotification(ctx, jobs.InsertNotificationParams{
		JobID: job.ID, RunID: run.RunID, Status: jobs.NotificationSent,
		Recipients: job.Notification.Recipients, Subject: subject,
	})
	log.Info("notification sent")
}

/* -------- payload helpers -------- */

func str(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}
