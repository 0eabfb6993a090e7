package jobs

import (
	"time"
)

type JobStatus string

const (
	JobEnabled  JobStatus = "ENABLED"
	JobDisabled JobStatus = "DISABLED"
)

// DisabledReason distinguishes an operator turning a job off from the
// fail-safe doing it.
type DisabledReason string

const (
	DisabledManual   DisabledReason = "manual"
	DisabledFailSafe DisabledReason = "fail_safe"
)

type ScheduleMode string

const (
	ModePreset ScheduleMode = "preset"
	ModeCron   ScheduleMode = "cron"
)

type ConcurrencyMode string

const (
	ConcurrencyAllow ConcurrencyMode = "allow"
	ConcurrencyQueue ConcurrencyMode = "queue"
	ConcurrencySkip  ConcurrencyMode = "skip"
)

type BackoffType string

const (
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// ScheduleSpec describes when a job fires. All wall-clock fields are
// interpreted in Timezone; instants are stored UTC.
type ScheduleSpec struct {
	Mode             ScheduleMode `json:"mode"`
	Preset           string       `json:"preset,omitempty"`
	CronExpression   string       `json:"cronExpression,omitempty"`
	Timezone         string       `json:"timezone"`
	AllowedDays      [7]bool      `json:"allowedDays"` // Sunday=0 .. Saturday=6
	AllowedTimeStart string       `json:"allowedTimeStart,omitempty"` // "09:00"
	AllowedTimeEnd   string       `json:"allowedTimeEnd,omitempty"`   // "17:00"
	StartAt          *time.Time   `json:"startAt,omitempty"`
	EndAt            *time.Time   `json:"endAt,omitempty"`
}

// ExecutionPolicy governs how a single fire is executed.
type ExecutionPolicy struct {
	Concurrency       ConcurrencyMode `json:"concurrency"`
	TimeoutMS         int             `json:"timeout"`
	Retries           int             `json:"retries"`
	BackoffType       BackoffType     `json:"backoffType"`
	BackoffDelayMS    int             `json:"backoffDelay"`
	Jitter            bool            `json:"jitter"`
	RunOnDeploy       bool            `json:"runOnDeploy"`
	FailSafeThreshold int             `json:"failSafeThreshold"`
}

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "apikey"
)

type AuthConfig struct {
	Type       AuthType `json:"type"`
	Token      string   `json:"token,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	APIKey     string   `json:"apiKey,omitempty"`
	HeaderName string   `json:"headerName,omitempty"`
}

type KeyValuePair struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

type BodyType string

const (
	BodyJSON BodyType = "json"
	BodyForm BodyType = "form"
	BodyRaw  BodyType = "raw"
)

// OutboundRequestSpec is the HTTP call a job performs when it fires.
type OutboundRequestSpec struct {
	Method          string         `json:"method"`
	URL             string         `json:"url"`
	Auth            AuthConfig     `json:"auth"`
	QueryParams     []KeyValuePair `json:"queryParams"`
	Headers         []KeyValuePair `json:"headers"`
	Body            string         `json:"body,omitempty"`
	BodyType        BodyType       `json:"bodyType"`
	TimeoutMS       int            `json:"timeout"`
	FollowRedirects bool           `json:"followRedirects"`
	SuccessCodes    []int          `json:"successCodes"`
	FailureCodes    []int          `json:"failureCodes"`
}

type NotificationTrigger string

const (
	TriggerAlways       NotificationTrigger = "always"
	TriggerError        NotificationTrigger = "error"
	TriggerSuccess      NotificationTrigger = "success"
	TriggerStatusChange NotificationTrigger = "status_change"
	TriggerHTTPCodes    NotificationTrigger = "http_codes"
)

type NotificationPolicy struct {
	Trigger         NotificationTrigger `json:"trigger"`
	HTTPCodes       []int               `json:"httpCodes"`
	Recipients      []string            `json:"recipients"`
	Subject         string              `json:"subject"`
	Template        string              `json:"template"`
	IncludeLogs     bool                `json:"includeLogs"`
	IncludeResponse bool                `json:"includeResponse"`
	MinIntervalMin  int                 `json:"minInterval"` // minutes
	MaxPerDay       int                 `json:"maxPerDay"`
	DailySummary    bool                `json:"dailySummary"`
}

// Job is a user-defined scheduled task with its full configuration.
type Job struct {
	ID                  string              `json:"id"`
	TeamID              string              `json:"team_id"`
	CategoryID          string              `json:"category_id"`
	Name                string              `json:"name"`
	Description         string              `json:"description,omitempty"`
	Status              JobStatus           `json:"status"`
	DisabledReason      *DisabledReason     `json:"disabled_reason,omitempty"`
	Schedule            ScheduleSpec        `json:"schedule"`
	Execution           ExecutionPolicy     `json:"execution"`
	Request             OutboundRequestSpec `json:"request"`
	Notification        NotificationPolicy  `json:"notification"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	NextFireAt          *time.Time          `json:"next_fire_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

type RunState string

const (
	RunQueued  RunState = "QUEUED"
	RunRunning RunState = "RUNNING"
	RunOK      RunState = "OK"
	RunFail    RunState = "FAIL"
	RunTimeout RunState = "TIMEOUT"
)

// Terminal reports whether s is an end state. Terminal records are
// immutable once written.
func (s RunState) Terminal() bool {
	return s == RunOK || s == RunFail || s == RunTimeout
}

// Run is one execution attempt of a job.
type Run struct {
	ID             int64      `json:"id"`
	JobID          string     `json:"job_id"`
	RunID          string     `json:"run_id"` // uuid
	State          RunState   `json:"state"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Attempts       int        `json:"attempts"` // 1-based within a retry chain
	ExitCode       *int       `json:"exit_code,omitempty"`
	Log            string     `json:"log,omitempty"`
	Parked         bool       `json:"parked"` // queued-overlap intent, not yet dispatched
	WorkerID       *string    `json:"worker_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// Duration returns the wall-clock time of a terminal run, zero otherwise.
func (r Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

type EventKind string

const (
	EventOverlapSkipped EventKind = "overlap_skipped"
	EventFailSafe       EventKind = "fail_safe_triggered"
	EventRunOnDeploy    EventKind = "run_on_deploy"
	EventManualTrigger  EventKind = "manual_trigger"
	// EventRunDropped marks a run closed without executing because its job
	// was disabled between enqueue and pickup. Such runs do not count as
	// real outcomes.
	EventRunDropped EventKind = "run_dropped"
)

// Event is a ledger entry distinct from runs: skips, fail-safe trips and
// out-of-schedule triggers land here so history explains itself.
type Event struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Kind      EventKind      `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type NotificationStatus string

const (
	NotificationSent    NotificationStatus = "sent"
	NotificationBlocked NotificationStatus = "blocked"
)

// NotificationRecord tracks delivered and suppressed notifications per job.
type NotificationRecord struct {
	ID         int64              `json:"id"`
	JobID      string             `json:"job_id"`
	RunID      string             `json:"run_id"`
	Status     NotificationStatus `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	Recipients []string           `json:"recipients"`
	Subject    string             `json:"subject"`
	CreatedAt  time.Time          `json:"created_at"`
}

type Category struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
}
