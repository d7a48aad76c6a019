package query

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/timeseries"
)

type fakeHot struct {
	samples []timeseries.Sample
	err     error
	calls   int
	lastReq [2]int64
}

func (f *fakeHot) QueryRange(ctx context.Context, site string, points []string, startMs, endMs int64) ([]timeseries.Sample, error) {
	f.calls++
	f.lastReq = [2]int64{startMs, endMs}
	if f.err != nil {
		return nil, f.err
	}
	var out []timeseries.Sample
	for _, s := range f.samples {
		if s.TimestampMs >= startMs && s.TimestampMs <= endMs {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeCold struct {
	parts map[timeseries.Day][]timeseries.Sample
	err   error
	reads []timeseries.Day
}

func (f *fakeCold) Read(ctx context.Context, site string, day timeseries.Day) ([]timeseries.Sample, error) {
	f.reads = append(f.reads, day)
	if f.err != nil {
		return nil, f.err
	}
	samples, ok := f.parts[day]
	if !ok {
		return nil, errors.ErrNoPartition
	}
	return samples, nil
}

func smp(point string, ms int64, v float64) timeseries.Sample {
	return timeseries.Sample{Site: "plant-a", Point: point, TimestampMs: ms, Value: v}
}

var testNow = time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)

func newTestRouter(hot *fakeHot, cold *fakeCold) *Router {
	r := NewRouter(hot, cold, timeseries.Boundary(20))
	r.now = func() time.Time { return testNow }
	return r
}

func ms(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func TestQueryEntirelyHot(t *testing.T) {
	start, end := ms("2025-11-05T00:00:00Z"), ms("2025-11-06T00:00:00Z")
	hot := &fakeHot{samples: []timeseries.Sample{
		smp("temp", start+1000, 1),
		smp("temp", start+2000, 2),
	}}
	cold := &fakeCold{}
	r := newTestRouter(hot, cold)

	out, err := r.Query(context.Background(), "plant-a", nil, start, end)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d samples, want 2", len(out))
	}
	if len(cold.reads) != 0 {
		t.Errorf("cold tier touched for an entirely-hot range: %v", cold.reads)
	}
}

func TestQueryEntirelyCold(t *testing.T) {
	d1 := timeseries.DayOf(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	d2 := d1 + 1
	cold := &fakeCold{parts: map[timeseries.Day][]timeseries.Sample{
		d1: {smp("temp", d1.StartMillis()+500, 1)},
		d2: {smp("temp", d2.StartMillis()+500, 2)},
	}}
	hot := &fakeHot{}
	r := newTestRouter(hot, cold)

	out, err := r.Query(context.Background(), "plant-a", nil, d1.StartMillis(), d2.EndMillis()-1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d samples, want 2", len(out))
	}
	if hot.calls != 0 {
		t.Errorf("hot tier touched for an entirely-cold range")
	}
}

func TestQueryStraddlingMergesAndOrders(t *testing.T) {
	// Boundary 20 at 2025-11-07: cold days through 2025-10-17, hot from
	// 2025-10-18T00:00Z.
	start := ms("2025-10-16T12:00:00Z")
	end := ms("2025-11-05T00:00:00Z")

	coldDay := timeseries.DayOf(time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC))
	cold := &fakeCold{parts: map[timeseries.Day][]timeseries.Sample{
		coldDay: {smp("temp", ms("2025-10-17T06:00:00Z"), 10)},
	}}
	hot := &fakeHot{samples: []timeseries.Sample{
		smp("temp", ms("2025-10-18T06:00:00Z"), 20),
		smp("temp", ms("2025-11-04T06:00:00Z"), 30),
	}}
	r := newTestRouter(hot, cold)

	out, err := r.Query(context.Background(), "plant-a", nil, start, end)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d samples, want 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].TimestampMs < out[i-1].TimestampMs {
			t.Fatalf("results not timestamp-ascending at %d", i)
		}
	}
	// Hot scan starts at the cutoff day's midnight.
	if got, want := hot.lastReq[0], ms("2025-10-18T00:00:00Z"); got != want {
		t.Errorf("hot read start = %d, want %d", got, want)
	}
}

func TestQueryDeduplicatesPreferringHot(t *testing.T) {
	// The same day present in both tiers mid-migration.
	dupMs := ms("2025-10-18T06:00:00Z")
	coldDay := timeseries.DayOf(time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC))
	cold := &fakeCold{parts: map[timeseries.Day][]timeseries.Sample{
		coldDay: {
			smp("temp", ms("2025-10-17T06:00:00Z"), 1),
			smp("temp", dupMs, 99), // stale copy
		},
	}}
	hot := &fakeHot{samples: []timeseries.Sample{smp("temp", dupMs, 42)}}
	r := newTestRouter(hot, cold)

	out, err := r.Query(context.Background(), "plant-a", nil,
		ms("2025-10-17T00:00:00Z"), ms("2025-10-19T00:00:00Z"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// The cold partition holds a sample outside its planned day; the
	// range filter keeps it, dedupe drops the stale copy.
	var dupCount int
	for _, s := range out {
		if s.TimestampMs == dupMs {
			dupCount++
			if s.Value != 42 {
				t.Errorf("duplicate resolved to value %v, want the hot copy 42", s.Value)
			}
		}
	}
	if dupCount != 1 {
		t.Fatalf("duplicate (point, ts) appears %d times, want 1", dupCount)
	}
}

func TestQueryMissingPartitionIsNotError(t *testing.T) {
	cold := &fakeCold{parts: map[timeseries.Day][]timeseries.Sample{}}
	hot := &fakeHot{}
	r := newTestRouter(hot, cold)

	out, err := r.Query(context.Background(), "plant-a", nil,
		ms("2025-10-01T00:00:00Z"), ms("2025-10-03T00:00:00Z"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d samples", len(out))
	}
	if len(cold.reads) != 3 {
		t.Errorf("expected 3 partition probes, got %d", len(cold.reads))
	}
}

func TestQueryHotFailurePropagates(t *testing.T) {
	hot := &fakeHot{err: errors.ErrUnavailable}
	r := newTestRouter(hot, &fakeCold{})

	_, err := r.Query(context.Background(), "plant-a", nil,
		ms("2025-11-05T00:00:00Z"), ms("2025-11-06T00:00:00Z"))
	if !errors.Is(err, errors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := r.Stats().QueriesFailed; got != 1 {
		t.Errorf("QueriesFailed = %d, want 1", got)
	}
}

func TestQueryPointFilterOnColdTier(t *testing.T) {
	d1 := timeseries.DayOf(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	cold := &fakeCold{parts: map[timeseries.Day][]timeseries.Sample{
		d1: {
			smp("temp", d1.StartMillis()+1000, 1),
			smp("flow", d1.StartMillis()+1000, 2),
		},
	}}
	r := newTestRouter(&fakeHot{}, cold)

	out, err := r.Query(context.Background(), "plant-a", []string{"flow"},
		d1.StartMillis(), d1.EndMillis()-1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 || out[0].Point != "flow" {
		t.Fatalf("point filter failed: %+v", out)
	}
}

func TestQueryInvalidRange(t *testing.T) {
	r := newTestRouter(&fakeHot{}, &fakeCold{})
	if _, err := r.Query(context.Background(), "plant-a", nil, 2000, 1000); !errors.IsValidation(err) {
		t.Errorf("inverted range: got %v", err)
	}
	if _, err := r.Query(context.Background(), "", nil, 1000, 2000); !errors.IsValidation(err) {
		t.Errorf("missing site: got %v", err)
	}
}
