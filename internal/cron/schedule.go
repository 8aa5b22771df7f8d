package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const everyPrefix = "@every "

// ValidateSchedule accepts five-field cron expressions and
// "@every <duration>" with a Go duration of at least one second.
func ValidateSchedule(schedule string) error {
	if strings.HasPrefix(schedule, everyPrefix) {
		iv, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(schedule, everyPrefix)))
		if err != nil {
			return fmt.Errorf("bad @every interval: %w", err)
		}
		if iv < time.Second {
			return fmt.Errorf("@every interval %s is shorter than 1s", iv)
		}
		return nil
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return fmt.Errorf("bad cron expression %q", schedule)
	}
	return nil
}

// due reports whether the task should fire at now. Interval tasks measure
// from their last firing (or creation); cron expressions have minute
// granularity, and a task that already fired this minute is not due again
// even though the scheduler ticks faster than that.
func due(t *Task, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if strings.HasPrefix(t.Schedule, everyPrefix) {
		iv, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(t.Schedule, everyPrefix)))
		if err != nil || iv <= 0 {
			return false
		}
		base := t.CreatedAt
		if t.LastRunAt != nil {
			base = *t.LastRunAt
		}
		return now.Sub(base) >= iv
	}
	minute := now.Truncate(time.Minute)
	if t.LastRunAt != nil && !t.LastRunAt.Before(minute) {
		return false
	}
	gron := gronx.New()
	isDue, err := gron.IsDue(t.Schedule, now)
	if err != nil {
		return false
	}
	return isDue
}
