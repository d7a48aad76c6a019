package timeseries

import "time"

// Sample represents a single sensor reading from a site.
// Samples are immutable once written; uniqueness is (Site, Point, TimestampMs)
// and duplicate writes are idempotent overwrites.
type Sample struct {
	Site        string
	Point       string
	TimestampMs int64 // Unix timestamp in milliseconds
	Value       float64
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Key returns a unique identifier for the sample within its site.
func (s *Sample) Key() string {
	return s.Point + "@" + s.TimestampTime().UTC().Format(time.RFC3339Nano)
}
