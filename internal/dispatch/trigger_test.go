package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/easycronjobs/engine/internal/jobs"
	redisx "github.com/easycronjobs/engine/internal/redis"
)

func e2eTrigger(t *testing.T) (*Trigger, *jobs.Store) {
	t.Helper()
	if os.Getenv("E2E") == "" {
		t.Skip("set E2E=1 to run tests against Postgres and Redis")
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		envOr("POSTGRES_USER", "easycron"),
		envOr("POSTGRES_PASSWORD", "easycron"),
		envOr("POSTGRES_HOST", "localhost"),
		envOr("POSTGRES_PORT", "5432"),
		envOr("POSTGRES_DB", "easycron"))
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := redisx.NewClientWithBackoff(ctx, redisx.FromEnv())
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	store := jobs.NewStore(db)
	return &Trigger{Store: store, RDB: rdb, Streams: redisx.StreamsFromEnv()}, store
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func insertTriggerJob(t *testing.T, store *jobs.Store, concurrency jobs.ConcurrencyMode) *jobs.Job {
	t.Helper()
	j := &jobs.Job{
		ID:     uuid.NewString(),
		TeamID: uuid.NewString(),
		Name:   "trigger overlap target",
		Schedule: jobs.ScheduleSpec{
			Mode: jobs.ModePreset, Preset: "hourly", Timezone: "UTC",
		},
		Execution: jobs.ExecutionPolicy{Concurrency: concurrency},
		Request:   jobs.OutboundRequestSpec{URL: "https://example.com"},
	}
	sched, _ := json.Marshal(j.Schedule)
	exec, _ := json.Marshal(j.Execution)
	req, _ := json.Marshal(j.Request)
	notif, _ := json.Marshal(j.Notification)
	_, err := store.DB.Exec(`
INSERT INTO jobs (id, team_id, name, status, schedule, execution, request, notification)
VALUES ($1, $2, $3, 'ENABLED', $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb)`,
		j.ID, j.TeamID, j.Name, string(sched), string(exec), string(req), string(notif))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.DB.Exec(`DELETE FROM jobs WHERE id = $1`, j.ID)
	})
	return j
}

func startRunningRun(t *testing.T, store *jobs.Store, jobID string) {
	t.Helper()
	ctx := context.Background()
	run, err := store.InsertRun(ctx, jobs.InsertRunParams{
		JobID: jobID, RunID: uuid.NewString(), ScheduledAt: time.Now().UTC(),
		Attempts: 1, IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	_, err = store.MarkRunRunning(ctx, run.RunID, "test-worker")
	require.NoError(t, err)
}

func TestEnqueueImmediateRun_SkipModeRejectsOverlap(t *testing.T) {
	trigger, store := e2eTrigger(t)
	ctx := context.Background()

	job := insertTriggerJob(t, store, jobs.ConcurrencySkip)
	startRunningRun(t, store, job.ID)

	_, err := trigger.EnqueueImmediateRun(ctx, job, jobs.EventManualTrigger)
	require.ErrorIs(t, err, ErrOverlap)

	// Exactly the one RUNNING record remains.
	n, err := store.RunningCount(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEnqueueImmediateRun_QueueModeParks(t *testing.T) {
	trigger, store := e2eTrigger(t)
	ctx := context.Background()

	job := insertTriggerJob(t, store, jobs.ConcurrencyQueue)
	startRunningRun(t, store, job.ID)

	run, err := trigger.EnqueueImmediateRun(ctx, job, jobs.EventManualTrigger)
	require.NoError(t, err)
	require.True(t, run.Parked, "trigger behind a running execution must park")
	require.Equal(t, jobs.RunQueued, run.State)

	// A second trigger collapses into the parked intent.
	_, err = trigger.EnqueueImmediateRun(ctx, job, jobs.EventManualTrigger)
	require.ErrorIs(t, err, ErrOverlap)
}

func TestEnqueueImmediateRun_IdleStartsImmediately(t *testing.T) {
	trigger, store := e2eTrigger(t)
	ctx := context.Background()

	job := insertTriggerJob(t, store, jobs.ConcurrencySkip)

	run, err := trigger.EnqueueImmediateRun(ctx, job, jobs.EventManualTrigger)
	require.NoError(t, err)
	require.False(t, run.Parked)
	require.Equal(t, jobs.RunQueued, run.State)
}
