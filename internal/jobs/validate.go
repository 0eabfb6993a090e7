package jobs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError is the pre-flight taxonomy: problems surfaced to the
// caller creating or editing a job, before anything reaches the dispatcher.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "invalid job spec: " + strings.Join(parts, "; ")
}

// PlanChecker gates plan-capability presets. The engine consults it before
// accepting a spec but does not own billing state.
type PlanChecker interface {
	IsPresetAllowed(teamPlan, preset string) bool
}

// TierChecker is the default capability table: seconds-granularity presets
// require the pro tier.
type TierChecker struct{}

func (TierChecker) IsPresetAllowed(teamPlan, preset string) bool {
	if preset == "30s" || preset == "1m" {
		return teamPlan == "pro"
	}
	return true
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var knownPresets = map[string]bool{
	"30s": true, "1m": true, "5m": true, "15m": true,
	"hourly": true, "daily": true, "weekly": true, "monthly": true,
}

// Validate checks a job spec against the pre-flight rules. teamPlan is the
// owning team's service tier.
func Validate(j *Job, teamPlan string, plans PlanChecker) error {
	errs := map[string]string{}

	if strings.TrimSpace(j.Name) == "" {
		errs["name"] = "required"
	}
	if j.CategoryID == "" {
		errs["category"] = "required"
	}

	switch j.Schedule.Mode {
	case ModePreset:
		if !knownPresets[j.Schedule.Preset] {
			errs["schedule.preset"] = fmt.Sprintf("unknown preset %q", j.Schedule.Preset)
		} else if !plans.IsPresetAllowed(teamPlan, j.Schedule.Preset) {
			errs["schedule.preset"] = fmt.Sprintf("preset %q requires a higher plan", j.Schedule.Preset)
		}
	case ModeCron:
		if _, err := cronParser.Parse(j.Schedule.CronExpression); err != nil {
			errs["schedule.cronExpression"] = err.Error()
		}
	default:
		errs["schedule.mode"] = fmt.Sprintf("unknown mode %q", j.Schedule.Mode)
	}

	if _, err := time.LoadLocation(j.Schedule.Timezone); err != nil {
		errs["schedule.timezone"] = fmt.Sprintf("unknown timezone %q", j.Schedule.Timezone)
	}

	if u, err := url.ParseRequestURI(j.Request.URL); err != nil {
		errs["api.url"] = "malformed URL"
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs["api.url"] = "URL scheme must be http or https"
	}

	if j.Request.BodyType == BodyJSON && j.Request.Body != "" {
		if !json.Valid([]byte(j.Request.Body)) {
			errs["api.body"] = "body is not valid JSON"
		}
	}

	if j.Execution.Retries < 0 {
		errs["retries"] = "must be >= 0"
	}
	if j.Execution.FailSafeThreshold < 0 {
		errs["failSafeThreshold"] = "must be >= 0"
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
