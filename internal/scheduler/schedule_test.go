package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/types"
)

func TestFirstRunRejectsInvalidSchedules(t *testing.T) {
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		kind  types.ScheduleType
		value string
	}{
		{types.ScheduleCron, "not-a-cron"},
		{types.ScheduleCron, "61 * * * *"},
		{types.ScheduleInterval, "0"},
		{types.ScheduleInterval, "-5"},
		{types.ScheduleInterval, "5m"},
		{types.ScheduleInterval, "9223372036854775807"},
		{types.ScheduleInterval, "10000000000000"},
		{types.ScheduleOnce, "tomorrow"},
		{types.ScheduleOnce, "2026-02-30T10:00:00"},
		{types.ScheduleType("weekly"), "1"},
	}
	for _, tc := range cases {
		if _, err := FirstRun(tc.kind, tc.value, time.UTC, now); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("%s %q: expected ErrInvalidSchedule, got %v", tc.kind, tc.value, err)
		}
	}
}

func TestFirstRunOnceUsesConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	next, err := FirstRun(types.ScheduleOnce, "2026-02-01T15:30:00", loc, time.Now())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	want := time.Date(2026, 2, 1, 20, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if got := db.FormatTime(*next); got != "2026-02-01T20:30:00.000Z" {
		t.Fatalf("canonical form = %q", got)
	}

	explicit, err := FirstRun(types.ScheduleOnce, "2026-02-01T15:30:00Z", loc, time.Now())
	if err != nil || !explicit.Equal(time.Date(2026, 2, 1, 15, 30, 0, 0, time.UTC)) {
		t.Fatalf("explicit offset must win: %v %v", explicit, err)
	}
}

func TestCronNextRunInZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 1, 10, 13, 0, 0, 0, time.UTC) // 08:00 in New York
	next, err := FirstRun(types.ScheduleCron, "0 9 * * *", loc, now)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if want := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunInterval(t *testing.T) {
	fired := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	task := types.Task{ScheduleType: types.ScheduleInterval, ScheduleValue: "300000"}
	for i := 0; i < 3; i++ {
		next, err := NextRun(task, fired, time.UTC)
		if err != nil {
			t.Fatalf("next run: %v", err)
		}
		if want := fired.Add(300000 * time.Millisecond); !next.Equal(want) {
			t.Fatalf("iteration %d: next = %v, want %v", i, next, want)
		}
		fired = *next
	}

	once := types.Task{ScheduleType: types.ScheduleOnce, ScheduleValue: "2026-02-01T15:30:00"}
	if next, err := NextRun(once, fired, time.UTC); err != nil || next != nil {
		t.Fatalf("once must complete: %v %v", next, err)
	}
}
