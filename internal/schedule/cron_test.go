package schedule

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 3 * * 1-5", "@daily", " 15 10 * * * "}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) unexpected error: %v", expr, err)
		}
	}

	invalid := []string{"", "* * *", "61 * * * *", "@every 5m", "0 0 0 * * *"}
	for _, expr := range invalid {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) expected error", expr)
		}
	}
}

func TestNextRuns(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	runs, err := NextRuns("*/15 * * * *", from, 3)
	if err != nil {
		t.Fatalf("NextRuns failed: %v", err)
	}
	want := []time.Time{
		time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC),
	}
	if len(runs) != len(want) {
		t.Fatalf("Expected %d runs, got %d", len(want), len(runs))
	}
	for i := range want {
		if !runs[i].Equal(want[i]) {
			t.Errorf("run %d: expected %v, got %v", i, want[i], runs[i])
		}
	}
}
