package jobs

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
)

func e2eStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("E2E") == "" {
		t.Skip("set E2E=1 to run tests against Postgres")
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
	return NewStore(db)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func insertTestJob(t *testing.T, s *Store, j *Job) string {
	t.Helper()
	id := uuid.NewString()
	sched, _ := json.Marshal(j.Schedule)
	exec, _ := json.Marshal(j.Execution)
	req, _ := json.Marshal(j.Request)
	notif, _ := json.Marshal(j.Notification)
	_, err := s.DB.Exec(`
INSERT INTO jobs (id, team_id, name, status, schedule, execution, request, notification)
VALUES ($1, $2, $3, 'ENABLED', $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb)`,
		id, uuid.NewString(), j.Name, string(sched), string(exec), string(req), string(notif))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.DB.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	})
	return id
}

func finishedRun(t *testing.T, s *Store, jobID string, state RunState) *Run {
	t.Helper()
	ctx := context.Background()
	run, err := s.InsertRun(ctx, InsertRunParams{
		JobID: jobID, RunID: uuid.NewString(), ScheduledAt: time.Now().UTC(),
		Attempts: 1, IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	_, err = s.MarkRunRunning(ctx, run.RunID, "test-worker")
	require.NoError(t, err)
	finished, err := s.FinishRun(ctx, FinishRunParams{RunID: run.RunID, State: state})
	require.NoError(t, err)
	return finished
}

func TestPreviousTerminalState_SkipsDroppedRuns(t *testing.T) {
	s := e2eStore(t)
	ctx := context.Background()
	jobID := insertTestJob(t, s, &Job{Name: "dropped run target",
		Schedule: ScheduleSpec{Mode: ModePreset, Preset: "hourly", Timezone: "UTC"},
		Request:  OutboundRequestSpec{URL: "https://example.com"}})

	// A real OK outcome.
	finishedRun(t, s, jobID, RunOK)

	// A run closed without executing: finished FAIL straight from QUEUED
	// and marked dropped, the way the worker handles a disabled job.
	dropped, err := s.InsertRun(ctx, InsertRunParams{
		JobID: jobID, RunID: uuid.NewString(), ScheduledAt: time.Now().UTC(),
		Attempts: 1, IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	_, err = s.FinishRun(ctx, FinishRunParams{
		RunID: dropped.RunID, State: RunFail, Log: "job disabled before execution",
	})
	require.NoError(t, err)
	require.NoError(t, s.InsertEvent(ctx, jobID, EventRunDropped, map[string]any{
		"run_id": dropped.RunID, "reason": "job_disabled",
	}))

	next, err := s.InsertRun(ctx, InsertRunParams{
		JobID: jobID, RunID: uuid.NewString(), ScheduledAt: time.Now().UTC(),
		Attempts: 1, IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// The dropped FAIL is invisible; the previous outcome is the OK run.
	state, err := s.PreviousTerminalState(ctx, jobID, next.ID)
	require.NoError(t, err)
	require.Equal(t, RunOK, state)
}

func TestFinishRun_TerminalIsImmutable(t *testing.T) {
	s := e2eStore(t)
	ctx := context.Background()
	jobID := insertTestJob(t, s, &Job{Name: "terminal guard target",
		Schedule: ScheduleSpec{Mode: ModePreset, Preset: "hourly", Timezone: "UTC"},
		Request:  OutboundRequestSpec{URL: "https://example.com"}})

	run := finishedRun(t, s, jobID, RunOK)

	_, err := s.FinishRun(ctx, FinishRunParams{RunID: run.RunID, State: RunFail})
	require.ErrorIs(t, err, ErrTerminal)
	_, err = s.MarkRunRunning(ctx, run.RunID, "test-worker")
	require.ErrorIs(t, err, ErrTerminal)
}
