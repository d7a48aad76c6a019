package timeseries

import "time"

// Boundary is the retention boundary in whole days. Data in UTC days older
// than the boundary lives in the cold store; everything newer lives in the
// hot store. Every component that decides where a sample lives must be
// handed the same Boundary value; a mismatch silently hides a window of
// dates from both query paths.
type Boundary int

// Cutoff returns the boundary instant: now minus the retention window.
func (b Boundary) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(b) * 24 * time.Hour)
}

// CutoffDay returns the UTC day containing the cutoff instant. Days
// strictly before the cutoff day are archivable; the cutoff day itself and
// everything after it belong to the hot tier.
func (b Boundary) CutoffDay(now time.Time) Day {
	return DayOf(b.Cutoff(now))
}

// Range is a closed interval of epoch-ms timestamps.
type Range struct {
	StartMs int64
	EndMs   int64
}

// QueryPlan is the hot/cold split computed for a single read request.
// Hot is nil when the request is entirely cold; ColdDays is empty when it
// is entirely hot.
type QueryPlan struct {
	Hot      *Range
	ColdDays []Day
}

// PlanQuery splits the requested [startMs, endMs] range at the retention
// boundary relative to now.
//
// The cold side covers every UTC day of the range strictly before the
// cutoff day. The hot side starts at the cutoff day's midnight rather than
// at the raw cutoff instant: the partial day the migrator has not yet
// archived is still in the hot store, and starting the hot scan mid-day
// would orphan it.
func PlanQuery(startMs, endMs int64, now time.Time, b Boundary) QueryPlan {
	var plan QueryPlan
	if endMs < startMs {
		return plan
	}

	cutoffDay := b.CutoffDay(now)
	hotStartMs := cutoffDay.StartMillis()

	lastColdDay := DayOfMillis(endMs)
	if lastColdDay >= cutoffDay {
		lastColdDay = cutoffDay - 1
	}
	plan.ColdDays = DaysBetween(DayOfMillis(startMs), lastColdDay)

	if endMs >= hotStartMs {
		start := startMs
		if start < hotStartMs {
			start = hotStartMs
		}
		plan.Hot = &Range{StartMs: start, EndMs: endMs}
	}

	return plan
}
