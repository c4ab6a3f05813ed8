package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// minuteKeyFormat is the double-fire guard granularity: one dispatch per
// automation per wall-clock minute.
const minuteKeyFormat = "2006-01-02T15:04"

func minuteKey(t time.Time) string {
	return t.Format(minuteKeyFormat)
}

// ValidateCron checks a five-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// matchesCron reports whether the expression fires at t's minute.
func matchesCron(expr string, t time.Time) bool {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false
	}
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// lastCronMatch returns the most recent activation of the expression at
// or before now, searching back at most window. Used by catch-up to
// decide whether a scheduled automation missed a fire while the process
// was down.
func lastCronMatch(expr string, now time.Time, window time.Duration) (time.Time, bool) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, false
	}
	var last time.Time
	for t := sched.Next(now.Add(-window)); !t.After(now); t = sched.Next(t) {
		last = t
	}
	return last, !last.IsZero()
}
