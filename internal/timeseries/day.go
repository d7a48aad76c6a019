package timeseries

import (
	"fmt"
	"time"
)

const msPerDay = 86400 * 1000

// Day is a UTC calendar day, counted as whole days since the Unix epoch.
// It is the unit of archival and backfill and is safe to use as a map key.
type Day int

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	secs := t.Unix()
	d := secs / 86400
	if secs%86400 < 0 {
		d--
	}
	return Day(d)
}

// DayOfMillis returns the UTC calendar day containing the given epoch-ms
// timestamp.
func DayOfMillis(ms int64) Day {
	d := ms / msPerDay
	if ms%msPerDay < 0 {
		d--
	}
	return Day(d)
}

// ParseDay parses a day in "2006-01-02" form.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Start returns the first instant of the day (UTC midnight).
func (d Day) Start() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

// End returns the first instant of the next day.
func (d Day) End() time.Time {
	return d.Start().Add(24 * time.Hour)
}

// StartMillis returns the first epoch-ms timestamp belonging to the day.
func (d Day) StartMillis() int64 {
	return int64(d) * msPerDay
}

// EndMillis returns the first epoch-ms timestamp of the next day.
func (d Day) EndMillis() int64 {
	return (int64(d) + 1) * msPerDay
}

// String returns the day in "2006-01-02" form.
func (d Day) String() string {
	return d.Start().Format("2006-01-02")
}

// MarshalText encodes the day in "2006-01-02" form so that persisted state
// stays operator readable.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a day in "2006-01-02" form.
func (d *Day) UnmarshalText(b []byte) error {
	day, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = day
	return nil
}

// DaysBetween returns all days from start through end inclusive, ascending.
// Returns nil if end precedes start.
func DaysBetween(start, end Day) []Day {
	if end < start {
		return nil
	}
	days := make([]Day, 0, int(end-start)+1)
	for d := start; d <= end; d++ {
		days = append(days, d)
	}
	return days
}
