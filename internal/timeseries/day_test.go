package timeseries

import (
	"testing"
	"time"
)

func TestDayOf(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC), "2025-11-07"},
		{time.Date(2025, 11, 7, 23, 59, 59, 0, time.UTC), "2025-11-07"},
		{time.Date(2025, 11, 8, 2, 0, 0, 0, time.FixedZone("plus3", 3*3600)), "2025-11-07"},
		{time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), "1970-01-01"},
		{time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC), "1969-12-31"},
	}

	for _, tt := range tests {
		if got := DayOf(tt.in).String(); got != tt.want {
			t.Errorf("DayOf(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDayOfMillis(t *testing.T) {
	d := DayOfMillis(time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC).UnixMilli())
	if d.String() != "2025-10-17" {
		t.Errorf("got %s, want 2025-10-17", d)
	}

	// Negative timestamps floor toward the earlier day.
	if got := DayOfMillis(-1).String(); got != "1969-12-31" {
		t.Errorf("DayOfMillis(-1) = %s, want 1969-12-31", got)
	}
}

func TestDayRoundTrip(t *testing.T) {
	d, err := ParseDay("2025-10-10")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	if d.String() != "2025-10-10" {
		t.Errorf("got %s, want 2025-10-10", d)
	}
	if d.Start() != time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC) {
		t.Errorf("unexpected start %v", d.Start())
	}
	if d.End().Sub(d.Start()) != 24*time.Hour {
		t.Errorf("day span %v, want 24h", d.End().Sub(d.Start()))
	}
	if d.EndMillis()-d.StartMillis() != 86400*1000 {
		t.Errorf("millis span %d", d.EndMillis()-d.StartMillis())
	}
}

func TestDayTextMarshal(t *testing.T) {
	d, _ := ParseDay("2025-01-31")

	b, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(b) != "2025-01-31" {
		t.Errorf("got %s", b)
	}

	var back Day
	if err := back.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back != d {
		t.Errorf("round trip mismatch: %v != %v", back, d)
	}
}

func TestDaysBetween(t *testing.T) {
	start, _ := ParseDay("2025-10-10")
	end, _ := ParseDay("2025-10-13")

	days := DaysBetween(start, end)
	if len(days) != 4 {
		t.Fatalf("got %d days, want 4", len(days))
	}
	if days[0] != start || days[3] != end {
		t.Errorf("unexpected endpoints %s..%s", days[0], days[3])
	}

	if got := DaysBetween(end, start); got != nil {
		t.Errorf("reversed range should be nil, got %v", got)
	}
}
