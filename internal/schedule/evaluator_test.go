package schedule

import (
	"testing"
	"time"

	"github.com/easycronjobs/engine/internal/jobs"
)

func allDays() [7]bool {
	return [7]bool{true, true, true, true, true, true, true}
}

func TestNextFireTimes_Cron(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:           jobs.ModeCron,
		CronExpression: "*/15 * * * *",
		Timezone:       "UTC",
		AllowedDays:    allDays(),
	}
	from := time.Date(2024, 1, 1, 0, 7, 0, 0, time.UTC)
	got, err := NextFireTimes(spec, from, 3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 45, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("want %d times, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("at %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestNextFireTimes_DailyPresetLocalMidnight(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "daily",
		Timezone:    "America/New_York",
		AllowedDays: allDays(),
	}
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := NextFireTimes(spec, from, 2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 times, got %d", len(got))
	}
	// 00:01 local EDT is 04:01 UTC.
	if want := time.Date(2024, 6, 1, 4, 1, 0, 0, time.UTC); !got[0].Equal(want) {
		t.Fatalf("first: want %v got %v", want, got[0])
	}
	if d := got[1].Sub(got[0]); d != 24*time.Hour {
		t.Fatalf("consecutive daily fires %v apart, want 24h", d)
	}
}

func TestNextFireTimes_SecondsPresetBoundaries(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "30s",
		Timezone:    "UTC",
		AllowedDays: allDays(),
	}
	from := time.Date(2024, 1, 1, 0, 0, 7, 0, time.UTC)
	got, err := NextFireTimes(spec, from, 3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 1, 30, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("at %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestNextFireTimes_SingleAllowedDay(t *testing.T) {
	var days [7]bool
	days[time.Monday] = true
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "hourly",
		Timezone:    "UTC",
		AllowedDays: days,
	}
	from := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) // a Wednesday
	got, err := NextFireTimes(spec, from, 5)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("want 5 times, got %d", len(got))
	}
	for _, ts := range got {
		if ts.Weekday() != time.Monday {
			t.Fatalf("fire on %v, want Monday only", ts.Weekday())
		}
	}
}

func TestNextFireTimes_SecondsPresetDistantAllowedDay(t *testing.T) {
	var days [7]bool
	days[time.Monday] = true
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "30s",
		Timezone:    "UTC",
		AllowedDays: days,
	}
	// A Tuesday: the next Monday is six days of 30s boundaries away.
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	got, err := NextFireTimes(spec, from, 3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 8, 0, 0, 30, 0, time.UTC),
		time.Date(2024, 1, 8, 0, 1, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("want %d times, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("at %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestNextFireTimes_SecondsPresetNarrowWindow(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:             jobs.ModePreset,
		Preset:           "30s",
		Timezone:         "UTC",
		AllowedDays:      allDays(),
		AllowedTimeStart: "09:00",
		AllowedTimeEnd:   "09:01",
	}
	// Past today's window: the run of closed boundaries until tomorrow
	// 09:00 must not exhaust the evaluator.
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	got, err := NextFireTimes(spec, from, 3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC),
		time.Date(2024, 1, 2, 9, 1, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("at %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestNextFireTimes_RestartJustBeforeFire(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "15m",
		Timezone:    "Europe/Berlin",
		AllowedDays: allDays(),
	}
	from := time.Date(2024, 3, 10, 12, 34, 56, 0, time.UTC)
	first, err := NextFireTimes(spec, from, 5)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	// Re-evaluating from just before the first fire yields it again.
	again, err := NextFireTimes(spec, first[0].Add(-time.Second), 5)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	for i := range first {
		if !first[i].Equal(again[i]) {
			t.Fatalf("at %d: want %v got %v", i, first[i], again[i])
		}
	}
}

func TestNextFireTimes_NoAllowedDays(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:     jobs.ModePreset,
		Preset:   "hourly",
		Timezone: "UTC",
		// zero AllowedDays: nothing admitted
	}
	got, err := NextFireTimes(spec, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no times, got %d", len(got))
	}
}

func TestNextFireTimes_WindowWrapsMidnight(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:             jobs.ModePreset,
		Preset:           "hourly",
		Timezone:         "UTC",
		AllowedDays:      allDays(),
		AllowedTimeStart: "22:00",
		AllowedTimeEnd:   "02:00",
	}
	from := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)
	got, err := NextFireTimes(spec, from, 3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("at %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestNextFireTimes_EndAtBounds(t *testing.T) {
	end := time.Date(2024, 1, 1, 2, 30, 0, 0, time.UTC)
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "hourly",
		Timezone:    "UTC",
		AllowedDays: allDays(),
		EndAt:       &end,
	}
	got, err := NextFireTimes(spec, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC), 10)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(got) != 2 { // 01:00 and 02:00
		t.Fatalf("want 2 times before endAt, got %d", len(got))
	}
}

func TestNextFireTimes_StartAtItselfEligible(t *testing.T) {
	start := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "hourly",
		Timezone:    "UTC",
		AllowedDays: allDays(),
		StartAt:     &start,
	}
	got, err := NextFireTimes(spec, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(start) {
		t.Fatalf("want first fire at startAt %v, got %v", start, got)
	}
}

func TestNextFireTimes_Deterministic(t *testing.T) {
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "15m",
		Timezone:    "Europe/Berlin",
		AllowedDays: allDays(),
	}
	from := time.Date(2024, 3, 10, 12, 34, 56, 0, time.UTC)
	a, err := NextFireTimes(spec, from, 8)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	b, err := NextFireTimes(spec, from, 8)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Fatalf("evaluation not deterministic at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestNextFireTimes_UnknownPreset(t *testing.T) {
	spec := jobs.ScheduleSpec{Mode: jobs.ModePreset, Preset: "2h", Timezone: "UTC", AllowedDays: allDays()}
	if _, err := NextFireTimes(spec, time.Now(), 1); err == nil {
		t.Fatalf("expected error for unknown preset")
	}
}

func TestNextFire_DormantReturnsNil(t *testing.T) {
	end := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	spec := jobs.ScheduleSpec{
		Mode:        jobs.ModePreset,
		Preset:      "hourly",
		Timezone:    "UTC",
		AllowedDays: allDays(),
		EndAt:       &end,
	}
	next, err := NextFire(spec, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if next != nil {
		t.Fatalf("want nil for schedule past endAt, got %v", next)
	}
}
