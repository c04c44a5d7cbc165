// Package scheduler fires stored tasks on cron, interval and one-shot schedules.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adamavenir/roost/internal/types"
)

// ErrInvalidSchedule is returned for a schedule that cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Layouts accepted for once schedules without an explicit offset. They are
// interpreted in the configured time zone.
var onceLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseOnce parses a one-shot timestamp. Values carrying an offset are taken
// as-is; bare local times use loc.
func ParseOnce(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range onceLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: once value %q is not a timestamp", ErrInvalidSchedule, value)
}

// maxIntervalMs is the largest millisecond count a time.Duration can hold.
const maxIntervalMs = math.MaxInt64 / int64(time.Millisecond)

// ParseInterval parses a positive millisecond count.
func ParseInterval(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ms <= 0 || ms > maxIntervalMs {
		return 0, fmt.Errorf("%w: interval %q must be a positive number of milliseconds", ErrInvalidSchedule, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParseCron parses a standard five-field cron expression or descriptor.
func ParseCron(value string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
	}
	return sched, nil
}

// FirstRun validates a new schedule and returns its first next_run.
func FirstRun(kind types.ScheduleType, value string, loc *time.Location, now time.Time) (*time.Time, error) {
	switch kind {
	case types.ScheduleCron:
		sched, err := ParseCron(value)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now.In(loc)).UTC()
		return &next, nil
	case types.ScheduleInterval:
		d, err := ParseInterval(value)
		if err != nil {
			return nil, err
		}
		next := now.Add(d).UTC()
		return &next, nil
	case types.ScheduleOnce:
		at, err := ParseOnce(value, loc)
		if err != nil {
			return nil, err
		}
		at = at.UTC()
		return &at, nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, kind)
	}
}

// NextRun computes next_run after a task fires at firedAt. Once tasks return
// nil, meaning they are complete.
func NextRun(task types.Task, firedAt time.Time, loc *time.Location) (*time.Time, error) {
	switch task.ScheduleType {
	case types.ScheduleOnce:
		return nil, nil
	case types.ScheduleCron, types.ScheduleInterval:
		return FirstRun(task.ScheduleType, task.ScheduleValue, loc, firedAt)
	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, task.ScheduleType)
	}
}
