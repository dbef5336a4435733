package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a schedule without computing a run time.
func ValidateSchedule(schedule Schedule) error {
	_, err := NextRun(schedule, time.Now())
	return err
}

// NextRun calculates the next run time strictly after now. For "at"
// schedules it is the fixed instant, which may already be in the past.
func NextRun(schedule Schedule, now time.Time) (time.Time, error) {
	switch schedule.Kind {
	case ScheduleKindAt:
		return nextAt(schedule)
	case ScheduleKindEvery:
		return nextEvery(schedule, now)
	case ScheduleKindCron:
		return nextCron(schedule, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %q", schedule.Kind)
	}
}

func nextAt(schedule Schedule) (time.Time, error) {
	if schedule.At == "" {
		return time.Time{}, fmt.Errorf("'at' schedule requires 'at' field")
	}

	t, err := time.Parse(time.RFC3339, schedule.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t, nil
}

func nextEvery(schedule Schedule, now time.Time) (time.Time, error) {
	if schedule.EverySeconds <= 0 {
		return time.Time{}, fmt.Errorf("'every' schedule requires positive 'everySeconds' value")
	}
	interval := time.Duration(schedule.EverySeconds) * time.Second

	if schedule.Anchor == nil {
		return now.Add(interval), nil
	}

	anchor := *schedule.Anchor
	if anchor.After(now) {
		return anchor, nil
	}

	// Align to the anchor: the first anchor + k*interval after now.
	periods := now.Sub(anchor) / interval
	return anchor.Add((periods + 1) * interval), nil
}

func nextCron(schedule Schedule, now time.Time) (time.Time, error) {
	if schedule.Expr == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
	}

	sched, err := parser.Parse(schedule.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if schedule.TZ != "" {
		loc, err := time.LoadLocation(schedule.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now), nil
}
