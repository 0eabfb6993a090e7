package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when a write would move a run out of a
	// terminal state. Terminal records are immutable.
	ErrTerminal = errors.New("run already terminal")
)

type Store struct {
	DB        *sql.DB
	DefaultTO time.Duration // default timeout per query
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, DefaultTO: 5 * time.Second}
}

const jobColumns = `id, team_id, category_id, name, description, status, disabled_reason,
schedule, execution, request, notification, consecutive_failures, next_fire_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var reason sql.NullString
	var desc sql.NullString
	var category sql.NullString
	var schedRaw, execRaw, reqRaw, notifRaw []byte
	if err := row.Scan(&j.ID, &j.TeamID, &category, &j.Name, &desc, &j.Status, &reason,
		&schedRaw, &execRaw, &reqRaw, &notifRaw, &j.ConsecutiveFailures, &j.NextFireAt,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if category.Valid {
		j.CategoryID = category.String
	}
	if desc.Valid {
		j.Description = desc.String
	}
	if reason.Valid {
		r := DisabledReason(reason.String)
		j.DisabledReason = &r
	}
	if err := json.Unmarshal(schedRaw, &j.Schedule); err != nil {
		return nil, fmt.Errorf("schedule json: %w", err)
	}
	if err := json.Unmarshal(execRaw, &j.Execution); err != nil {
		return nil, fmt.Errorf("execution json: %w", err)
	}
	if err := json.Unmarshal(reqRaw, &j.Request); err != nil {
		return nil, fmt.Errorf("request json: %w", err)
	}
	if err := json.Unmarshal(notifRaw, &j.Notification); err != nil {
		return nil, fmt.Errorf("notification json: %w", err)
	}
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(s.DB.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// LoadDueJobs returns enabled jobs whose next fire time has arrived.
// Jobs with a NULL next_fire_at are dormant and never selected.
func (s *Store) LoadDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	q := `SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'ENABLED' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
ORDER BY next_fire_at ASC
LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type UpdateJobSpecParams struct {
	ID           string
	Name         *string
	Description  *string
	CategoryID   *string
	Schedule     *ScheduleSpec
	Execution    *ExecutionPolicy
	Request      *OutboundRequestSpec
	Notification *NotificationPolicy
}

func (s *Store) UpdateJobSpec(ctx context.Context, p UpdateJobSpecParams) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	set := ""
	args := []any{}
	i := 1
	add := func(col string, v any) {
		set += fmt.Sprintf("%s = $%d,", col, i)
		args = append(args, v)
		i++
	}
	addJSON := func(col string, v any) {
		b, _ := json.Marshal(v)
		set += fmt.Sprintf("%s = $%d::jsonb,", col, i)
		args = append(args, string(b))
		i++
	}

	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.CategoryID != nil {
		add("category_id", *p.CategoryID)
	}
	if p.Schedule != nil {
		addJSON("schedule", *p.Schedule)
	}
	if p.Execution != nil {
		addJSON("execution", *p.Execution)
	}
	if p.Request != nil {
		addJSON("request", *p.Request)
	}
	if p.Notification != nil {
		addJSON("notification", *p.Notification)
	}
	if set == "" {
		return nil, errors.New("no fields to update")
	}
	set += "updated_at = now()"

	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d RETURNING `+jobColumns, set, i)
	args = append(args, p.ID)

	j, err := scanJob(s.DB.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// SetJobStatus flips the lifecycle flag. Enabling clears the disabled
// reason and the consecutive-failure counter so a re-enabled job starts
// with a clean fail-safe budget.
func (s *Store) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var q string
	if status == JobEnabled {
		q = `UPDATE jobs SET status='ENABLED', disabled_reason=NULL, consecutive_failures=0, updated_at=now() WHERE id=$1`
	} else {
		q = `UPDATE jobs SET status='DISABLED', disabled_reason='manual', next_fire_at=NULL, updated_at=now() WHERE id=$1`
	}
	res, err := s.DB.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextFire stores the recomputed next fire time; nil marks the job
// dormant.
func (s *Store) SetNextFire(ctx context.Context, id string, t *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET next_fire_at=$1 WHERE id=$2`, t, id)
	return err
}

// RecordChainFailure increments the job's consecutive-failure counter and,
// when the counter reaches the fail-safe threshold, disables the job in
// the same transaction. Returns the new count and whether the fail-safe
// tripped on this call.
func (s *Store) RecordChainFailure(ctx context.Context, jobID string, threshold int) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `
UPDATE jobs SET consecutive_failures = consecutive_failures + 1, updated_at = now()
WHERE id = $1
RETURNING consecutive_failures`, jobID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}

	tripped := false
	if threshold > 0 && count >= threshold {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='DISABLED', disabled_reason='fail_safe', next_fire_at=NULL, updated_at=now()
WHERE id = $1 AND status = 'ENABLED'`, jobID)
		if err != nil {
			return 0, false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			tripped = true
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return count, tripped, nil
}

func (s *Store) ResetConsecutiveFailures(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET consecutive_failures=0, updated_at=now() WHERE id=$1`, jobID)
	return err
}

/* ===================== Runs ===================== */

type InsertRunParams struct {
	JobID          string
	RunID          string // uuid
	ScheduledAt    time.Time
	Attempts       int
	Parked         bool
	IdempotencyKey string
}

func (s *Store) InsertRun(ctx context.Context, p InsertRunParams) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	q := `
INSERT INTO job_runs (job_id, run_id, state, scheduled_at, attempts, parked, idempotency_key)
VALUES ($1, $2, 'QUEUED', $3, $4, $5, $6)
RETURNING ` + runColumns
	return scanRun(s.DB.QueryRowContext(ctx, q, p.JobID, p.RunID, p.ScheduledAt, p.Attempts, p.Parked, p.IdempotencyKey))
}

const runColumns = `id, job_id, run_id, state, scheduled_at, started_at, finished_at,
attempts, exit_code, log, parked, worker_id, idempotency_key`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var log sql.NullString
	if err := row.Scan(&r.ID, &r.JobID, &r.RunID, &r.State, &r.ScheduledAt, &r.StartedAt,
		&r.FinishedAt, &r.Attempts, &r.ExitCode, &log, &r.Parked, &r.WorkerID,
		&r.IdempotencyKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if log.Valid {
		r.Log = log.String
	}
	return &r, nil
}

// MarkRunRunning transitions QUEUED -> RUNNING. The guard keeps the state
// machine monotonic: a run that already left QUEUED is not touched.
func (s *Store) MarkRunRunning(ctx context.Context, runID, workerID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	q := `
UPDATE job_runs SET state='RUNNING', started_at=now(), worker_id=$2
WHERE run_id = $1 AND state = 'QUEUED'
RETURNING ` + runColumns
	r, err := scanRun(s.DB.QueryRowContext(ctx, q, runID, workerID))
	if errors.Is(err, ErrNotFound) {
		// Distinguish missing from already-progressed.
		if _, gerr := s.getRun(ctx, runID); gerr == nil {
			return nil, ErrTerminal
		}
		return nil, ErrNotFound
	}
	return r, err
}

type FinishRunParams struct {
	RunID    string
	State    RunState
	ExitCode *int
	Log      string
}

// FinishRun writes a terminal state. Only QUEUED or RUNNING rows accept
// it; terminal rows are immutable and the attempt returns ErrTerminal.
func (s *Store) FinishRun(ctx context.Context, p FinishRunParams) (*Run, error) {
	if !p.State.Terminal() {
		return nil, fmt.Errorf("state %s is not terminal", p.State)
	}
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	q := `
UPDATE job_runs
SET state=$2, finished_at=now(), exit_code=$3, log=$4,
    started_at = COALESCE(started_at, now())
WHERE run_id = $1 AND state IN ('QUEUED','RUNNING')
RETURNING ` + runColumns
	r, err := scanRun(s.DB.QueryRowContext(ctx, q, p.RunID, p.State, p.ExitCode, p.Log))
	if errors.Is(err, ErrNotFound) {
		if _, gerr := s.getRun(ctx, p.RunID); gerr == nil {
			return nil, ErrTerminal
		}
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) getRun(ctx context.Context, runID string) (*Run, error) {
	return scanRun(s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE run_id=$1`, runID))
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	return s.getRun(ctx, runID)
}

// RunningCount reports in-flight runs for a job.
func (s *Store) RunningCount(ctx context.Context, jobID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM job_runs WHERE job_id=$1 AND state='RUNNING'`, jobID).Scan(&n)
	return n, err
}

// ParkedRun returns the job's single parked (queue-mode) intent, if any.
func (s *Store) ParkedRun(ctx context.Context, jobID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	q := `SELECT ` + runColumns + ` FROM job_runs WHERE job_id=$1 AND state='QUEUED' AND parked = true LIMIT 1`
	return scanRun(s.DB.QueryRowContext(ctx, q, jobID))
}

// ReleaseParkedRun un-parks a queued intent so it can be dispatched. The
// guard makes promotion race-free: only one caller observes a row change.
func (s *Store) ReleaseParkedRun(ctx context.Context, runID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE job_runs SET parked=false WHERE run_id=$1 AND parked=true AND state='QUEUED'`, runID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PreviousTerminalState returns the state of the most recent terminal run
// of the job that finished before the given run, for status_change
// notification triggers. Runs closed without executing (run_dropped
// events) are not outcomes and are skipped. ErrNotFound when the run is
// the first.
func (s *Store) PreviousTerminalState(ctx context.Context, jobID string, beforeRunRowID int64) (RunState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var state RunState
	err := s.DB.QueryRowContext(ctx, `
SELECT state FROM job_runs r
WHERE r.job_id = $1 AND r.id < $2 AND r.state IN ('OK','FAIL','TIMEOUT')
  AND NOT EXISTS (
    SELECT 1 FROM job_events e
    WHERE e.job_id = r.job_id AND e.kind = 'run_dropped'
      AND e.detail->>'run_id' = r.run_id::text
  )
ORDER BY r.id DESC LIMIT 1`, jobID, beforeRunRowID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return state, err
}

/* ===================== Run queries ===================== */

type RunFilter struct {
	JobIDs     []string
	CategoryID string
	States     []RunState
	From       *time.Time
	To         *time.Time
	NameSearch string
	SortKey    string // started_at | finished_at | state | attempts | scheduled_at
	SortDesc   bool
	Limit      int
	Offset     int
}

var runSortColumns = map[string]string{
	"started_at":   "r.started_at",
	"finished_at":  "r.finished_at",
	"scheduled_at": "r.scheduled_at",
	"state":        "r.state",
	"attempts":     "r.attempts",
}

// QueryRuns filters, sorts and paginates the ledger.
func (s *Store) QueryRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	where := []string{"true"}
	args := []any{}
	i := 1
	arg := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", i)
		i++
		return p
	}

	if len(f.JobIDs) > 0 {
		ph := make([]string, len(f.JobIDs))
		for k, id := range f.JobIDs {
			ph[k] = arg(id)
		}
		where = append(where, "r.job_id IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for k, st := range f.States {
			ph[k] = arg(string(st))
		}
		where = append(where, "r.state IN ("+strings.Join(ph, ",")+")")
	}
	if f.CategoryID != "" {
		where = append(where, "j.category_id = "+arg(f.CategoryID))
	}
	if f.NameSearch != "" {
		where = append(where, "j.name ILIKE "+arg("%"+f.NameSearch+"%"))
	}
	if f.From != nil {
		where = append(where, "r.scheduled_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "r.scheduled_at <= "+arg(*f.To))
	}

	sort, ok := runSortColumns[f.SortKey]
	if !ok {
		sort = "r.id"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := fmt.Sprintf(`
SELECT r.id, r.job_id, r.run_id, r.state, r.scheduled_at, r.started_at, r.finished_at,
       r.attempts, r.exit_code, r.log, r.parked, r.worker_id, r.idempotency_key
FROM job_runs r
JOIN jobs j ON j.id = r.job_id
WHERE %s
ORDER BY %s %s NULLS LAST
LIMIT %s OFFSET %s`,
		strings.Join(where, " AND "), sort, dir, arg(limit), arg(f.Offset))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

/* ===================== Events & notifications ===================== */

func (s *Store) InsertEvent(ctx context.Context, jobID string, kind EventKind, detail map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	b, _ := json.Marshal(detail)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO job_events (job_id, kind, detail) VALUES ($1, $2, $3::jsonb)`,
		jobID, string(kind), string(b))
	return err
}

type InsertNotificationParams struct {
	JobID      string
	RunID      string
	Status     NotificationStatus
	Reason     string
	Recipients []string
	Subject    string
}

func (s *Store) InsertNotification(ctx context.Context, p InsertNotificationParams) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	rec, _ := json.Marshal(p.Recipients)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO job_notifications (job_id, run_id, status, reason, recipients, subject)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		p.JobID, p.RunID, string(p.Status), p.Reason, string(rec), p.Subject)
	return err
}

// LastNotificationAt returns when the job last had a notification sent
// (blocked ones do not count against minInterval).
func (s *Store) LastNotificationAt(ctx context.Context, jobID string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var t time.Time
	err := s.DB.QueryRowContext(ctx, `
SELECT created_at FROM job_notifications
WHERE job_id=$1 AND status='sent'
ORDER BY created_at DESC LIMIT 1`, jobID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NotificationsSentSince counts notifications delivered for the job since
// the given instant (the daily-cap window).
func (s *Store) NotificationsSentSince(ctx context.Context, jobID string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT count(*) FROM job_notifications
WHERE job_id=$1 AND status='sent' AND created_at >= $2`, jobID, since).Scan(&n)
	return n, err
}
