package archive

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/vitald/internal/timeseries"
)

// PointSummary holds per-point statistics for one archived partition.
type PointSummary struct {
	Point string  `json:"point"`
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type pointAcc struct {
	sketch   *ddsketch.DDSketch
	count    int64
	sum      float64
	min, max float64
}

// summarize computes per-point statistics for one day's samples. The
// quantiles are relative-error approximations, which is plenty for
// partition metadata.
func summarize(samples []timeseries.Sample) ([]PointSummary, error) {
	accs := make(map[string]*pointAcc)
	for i := range samples {
		s := &samples[i]
		acc := accs[s.Point]
		if acc == nil {
			sk, err := ddsketch.NewDefaultDDSketch(0.01)
			if err != nil {
				return nil, err
			}
			acc = &pointAcc{sketch: sk, min: math.Inf(1), max: math.Inf(-1)}
			accs[s.Point] = acc
		}
		if err := acc.sketch.Add(s.Value); err != nil {
			return nil, err
		}
		acc.count++
		acc.sum += s.Value
		acc.min = math.Min(acc.min, s.Value)
		acc.max = math.Max(acc.max, s.Value)
	}

	out := make([]PointSummary, 0, len(accs))
	for point, acc := range accs {
		qs, err := acc.sketch.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99})
		if err != nil {
			return nil, err
		}
		out = append(out, PointSummary{
			Point: point,
			Count: acc.count,
			Min:   acc.min,
			Max:   acc.max,
			Avg:   acc.sum / float64(acc.count),
			P50:   qs[0],
			P95:   qs[1],
			P99:   qs[2],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Point < out[j].Point })
	return out, nil
}

// summaryMeta encodes summaries as parquet key/value metadata.
func summaryMeta(summaries []PointSummary) (map[string]string, error) {
	b, err := json.Marshal(summaries)
	if err != nil {
		return nil, err
	}
	return map[string]string{"summary": string(b)}, nil
}
