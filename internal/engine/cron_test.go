package engine

import (
	"testing"
	"time"
)

func TestValidateCron(t *testing.T) {
	valid := []string{"* * * * *", "*/5 * * * *", "0 8 * * *", "30 14 * * 1-5", "@daily"}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Errorf("ValidateCron(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{"", "x", "61 * * * *", "* * * *", "0 8 * * * *"}
	for _, expr := range invalid {
		if err := ValidateCron(expr); err == nil {
			t.Errorf("ValidateCron(%q) = nil, want error", expr)
		}
	}
}

func TestMatchesCron(t *testing.T) {
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"30 14 * * *", time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC), true},
		{"30 14 * * *", time.Date(2026, 8, 25, 14, 30, 59, 0, time.UTC), true},
		{"30 14 * * *", time.Date(2026, 8, 25, 14, 29, 59, 0, time.UTC), false},
		{"30 14 * * *", time.Date(2026, 8, 25, 14, 31, 0, 0, time.UTC), false},
		{"*/15 * * * *", time.Date(2026, 8, 25, 9, 45, 12, 0, time.UTC), true},
		{"*/15 * * * *", time.Date(2026, 8, 25, 9, 46, 0, 0, time.UTC), false},
		{"* * * * *", time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), true},
		{"not a cron", time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range tests {
		if got := matchesCron(tc.expr, tc.at); got != tc.want {
			t.Errorf("matchesCron(%q, %s) = %v, want %v", tc.expr, tc.at, got, tc.want)
		}
	}
}

func TestLastCronMatch(t *testing.T) {
	week := 7 * 24 * time.Hour

	// After today's activation.
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	last, ok := lastCronMatch("0 8 * * *", now, week)
	if !ok || !last.Equal(time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("lastCronMatch = %s, %v; want today 08:00", last, ok)
	}

	// Before today's activation the previous day matches.
	now = time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)
	last, ok = lastCronMatch("0 8 * * *", now, week)
	if !ok || !last.Equal(time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("lastCronMatch = %s, %v; want yesterday 08:00", last, ok)
	}

	// Exactly at the activation minute counts as matched.
	now = time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	last, ok = lastCronMatch("0 8 * * *", now, week)
	if !ok || !last.Equal(now) {
		t.Errorf("lastCronMatch = %s, %v; want now itself", last, ok)
	}

	// A window too small to reach the previous activation finds nothing.
	now = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if _, ok := lastCronMatch("0 8 * * *", now, time.Hour); ok {
		t.Error("window of one hour should not reach 08:00")
	}

	if _, ok := lastCronMatch("garbage", now, week); ok {
		t.Error("invalid expression should not match")
	}
}

func TestMinuteKey(t *testing.T) {
	at := time.Date(2026, 8, 25, 8, 5, 59, 123, time.UTC)
	if got := minuteKey(at); got != "2026-08-25T08:05" {
		t.Errorf("minuteKey = %q", got)
	}
}
