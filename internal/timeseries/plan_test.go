package timeseries

import (
	"testing"
	"time"
)

func mustDay(t *testing.T, s string) Day {
	t.Helper()
	d, err := ParseDay(s)
	if err != nil {
		t.Fatalf("ParseDay(%s): %v", s, err)
	}
	return d
}

func TestBoundaryCutoffDay(t *testing.T) {
	now := time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)

	if got := Boundary(20).CutoffDay(now); got.String() != "2025-10-18" {
		t.Errorf("CutoffDay = %s, want 2025-10-18", got)
	}

	// A mid-day "now" lands the cutoff mid-day as well; the cutoff day is
	// still the calendar day containing that instant.
	noon := time.Date(2025, 11, 7, 12, 30, 0, 0, time.UTC)
	if got := Boundary(20).CutoffDay(noon); got.String() != "2025-10-18" {
		t.Errorf("CutoffDay(noon) = %s, want 2025-10-18", got)
	}
}

func TestPlanQueryStraddling(t *testing.T) {
	// RetentionBoundary = 20 days, now = 2025-11-07T00:00:00Z.
	// [2025-10-10, 2025-11-05] must split into cold days 10-10..10-17 and
	// a hot sub-range starting at the cutoff day's midnight.
	now := time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC).UnixMilli()

	plan := PlanQuery(start, end, now, 20)

	if plan.Hot == nil {
		t.Fatal("expected a hot sub-range")
	}
	wantHotStart := time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC).UnixMilli()
	if plan.Hot.StartMs != wantHotStart || plan.Hot.EndMs != end {
		t.Errorf("hot range [%d,%d], want [%d,%d]", plan.Hot.StartMs, plan.Hot.EndMs, wantHotStart, end)
	}

	if len(plan.ColdDays) != 8 {
		t.Fatalf("got %d cold days, want 8", len(plan.ColdDays))
	}
	if plan.ColdDays[0] != mustDay(t, "2025-10-10") || plan.ColdDays[7] != mustDay(t, "2025-10-17") {
		t.Errorf("cold days %s..%s, want 2025-10-10..2025-10-17",
			plan.ColdDays[0], plan.ColdDays[len(plan.ColdDays)-1])
	}
}

func TestPlanQueryEntirelyHot(t *testing.T) {
	now := time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2025, 11, 6, 0, 0, 0, 0, time.UTC).UnixMilli()

	plan := PlanQuery(start, end, now, 20)

	if len(plan.ColdDays) != 0 {
		t.Errorf("expected no cold days, got %v", plan.ColdDays)
	}
	if plan.Hot == nil || plan.Hot.StartMs != start || plan.Hot.EndMs != end {
		t.Errorf("hot range %+v, want [%d,%d]", plan.Hot, start, end)
	}
}

func TestPlanQueryEntirelyCold(t *testing.T) {
	now := time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2025, 9, 3, 12, 0, 0, 0, time.UTC).UnixMilli()

	plan := PlanQuery(start, end, now, 20)

	if plan.Hot != nil {
		t.Errorf("expected no hot range, got %+v", plan.Hot)
	}
	if len(plan.ColdDays) != 3 {
		t.Fatalf("got %d cold days, want 3", len(plan.ColdDays))
	}
	if plan.ColdDays[0] != mustDay(t, "2025-09-01") || plan.ColdDays[2] != mustDay(t, "2025-09-03") {
		t.Errorf("cold days %v", plan.ColdDays)
	}
}

func TestPlanQueryHotStartsAtCutoffDayMidnight(t *testing.T) {
	// With a mid-day cutoff instant, the not-yet-archivable partial day
	// must still be served from the hot tier from its midnight on.
	now := time.Date(2025, 11, 7, 15, 0, 0, 0, time.UTC)
	start := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := now.UnixMilli()

	plan := PlanQuery(start, end, now, 20)

	wantHotStart := time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC).UnixMilli()
	if plan.Hot == nil || plan.Hot.StartMs != wantHotStart {
		t.Fatalf("hot range %+v, want start %d", plan.Hot, wantHotStart)
	}
	last := plan.ColdDays[len(plan.ColdDays)-1]
	if last != mustDay(t, "2025-10-17") {
		t.Errorf("last cold day %s, want 2025-10-17", last)
	}
}

func TestPlanQueryInvertedRange(t *testing.T) {
	now := time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)
	plan := PlanQuery(100, 50, now, 20)
	if plan.Hot != nil || len(plan.ColdDays) != 0 {
		t.Errorf("inverted range should plan nothing, got %+v", plan)
	}
}
