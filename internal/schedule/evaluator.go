package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/easycronjobs/engine/internal/jobs"
)

// PresetCron maps a named preset to its canonical 5-field cron expression.
// 30s and 1m are seconds-granularity and never reach the cron parser; their
// entries exist so previews and exports can show the equivalent expression.
var PresetCron = map[string]string{
	"30s":     "*/30 * * * * *",
	"1m":      "* * * * *",
	"5m":      "*/5 * * * *",
	"15m":     "*/15 * * * *",
	"hourly":  "0 * * * *",
	"daily":   "1 0 * * *",
	"weekly":  "1 0 * * 1",
	"monthly": "1 0 1 * *",
}

// maxCandidates bounds the search so impossible constraint combinations
// (all days disallowed, window that never matches) terminate with a short
// result instead of spinning.
const maxCandidates = 10000

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFireTimes computes the next count fire instants strictly after from,
// honoring the spec's timezone, allowed-day and time-window constraints.
// It may return fewer than count instants when the schedule is bounded or
// the constraints admit no further matches; that is not an error.
func NextFireTimes(spec jobs.ScheduleSpec, from time.Time, count int) ([]time.Time, error) {
	if count <= 0 {
		return nil, nil
	}
	loc, err := time.LoadLocation(spec.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", spec.Timezone, err)
	}

	if spec.Mode == jobs.ModePreset && (spec.Preset == "30s" || spec.Preset == "1m") {
		return nextBySeconds(spec, from, count, loc)
	}

	expr := spec.CronExpression
	if spec.Mode == jobs.ModePreset {
		var ok bool
		expr, ok = PresetCron[spec.Preset]
		if !ok {
			return nil, fmt.Errorf("unknown preset %q", spec.Preset)
		}
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}

	window, err := parseWindow(spec.AllowedTimeStart, spec.AllowedTimeEnd)
	if err != nil {
		return nil, err
	}

	cursor := from
	if spec.StartAt != nil && cursor.Before(*spec.StartAt) {
		// No fires before StartAt; cron matching is strictly-after, so
		// back off one second to keep StartAt itself eligible.
		cursor = spec.StartAt.Add(-time.Second)
	}

	out := make([]time.Time, 0, count)
	for i := 0; i < maxCandidates && len(out) < count; i++ {
		next := sched.Next(cursor.In(loc))
		if next.IsZero() {
			break
		}
		cursor = next
		if spec.EndAt != nil && next.After(*spec.EndAt) {
			break
		}
		if !spec.AllowedDays[int(next.Weekday())] {
			continue
		}
		if !window.admits(next) {
			continue
		}
		out = append(out, next.UTC())
	}
	return out, nil
}

// nextBySeconds handles the 30s and 1m presets with boundary arithmetic:
// fires land on :00/:30 second boundaries (30s) or minute boundaries (1m).
// Disallowed stretches are skipped in one jump (next allowed-day midnight,
// next window opening) rather than boundary-by-boundary, so the candidate
// cap only terminates specs that admit nothing at all.
func nextBySeconds(spec jobs.ScheduleSpec, from time.Time, count int, loc *time.Location) ([]time.Time, error) {
	step := time.Minute
	if spec.Preset == "30s" {
		step = 30 * time.Second
	}
	window, err := parseWindow(spec.AllowedTimeStart, spec.AllowedTimeEnd)
	if err != nil {
		return nil, err
	}

	cursor := from
	if spec.StartAt != nil && cursor.Before(*spec.StartAt) {
		cursor = spec.StartAt.Add(-time.Nanosecond)
	}
	// Next boundary strictly after cursor.
	next := cursor.Truncate(step).Add(step)

	out := make([]time.Time, 0, count)
	for i := 0; i < maxCandidates && len(out) < count; i++ {
		if spec.EndAt != nil && next.After(*spec.EndAt) {
			break
		}
		local := next.In(loc)
		if !spec.AllowedDays[int(local.Weekday())] {
			midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
			next = boundaryAt(midnight, step)
			continue
		}
		if !window.admits(local) {
			next = boundaryAt(window.nextOpen(local), step)
			continue
		}
		out = append(out, next.UTC())
		next = next.Add(step)
	}
	return out, nil
}

// boundaryAt returns the first step boundary at or after t.
func boundaryAt(t time.Time, step time.Duration) time.Time {
	b := t.Truncate(step)
	if b.Before(t) {
		b = b.Add(step)
	}
	return b
}

// timeWindow is a local time-of-day window in minutes since midnight.
// end < start means the window wraps past midnight.
type timeWindow struct {
	enabled    bool
	start, end int
}

func (w timeWindow) admits(t time.Time) bool {
	if !w.enabled {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.start <= w.end {
		return m >= w.start && m <= w.end
	}
	return m >= w.start || m <= w.end
}

// nextOpen returns the earliest local instant after t at which the window
// opens. Callers only invoke it when t itself is outside the window.
func (w timeWindow) nextOpen(t time.Time) time.Time {
	open := time.Date(t.Year(), t.Month(), t.Day(), w.start/60, w.start%60, 0, 0, t.Location())
	if open.After(t) {
		return open
	}
	return time.Date(t.Year(), t.Month(), t.Day()+1, w.start/60, w.start%60, 0, 0, t.Location())
}

func parseWindow(start, end string) (timeWindow, error) {
	if start == "" && end == "" {
		return timeWindow{}, nil
	}
	s, err := parseHHMM(start)
	if err != nil {
		return timeWindow{}, fmt.Errorf("allowedTimeStart: %w", err)
	}
	e, err := parseHHMM(end)
	if err != nil {
		return timeWindow{}, fmt.Errorf("allowedTimeEnd: %w", err)
	}
	return timeWindow{enabled: true, start: s, end: e}, nil
}

func parseHHMM(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed time of day %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("malformed hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("malformed minute in %q", v)
	}
	return h*60 + m, nil
}

// NextFire returns the single next fire time, or nil when the schedule
// admits none (dormant job).
func NextFire(spec jobs.ScheduleSpec, from time.Time) (*time.Time, error) {
	times, err := NextFireTimes(spec, from, 1)
	if err != nil {
		return nil, err
	}
	if len(times) == 0 {
		return nil, nil
	}
	return &times[0], nil
}
