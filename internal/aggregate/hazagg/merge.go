package hazagg

import (
	"math"
	"sort"

	"github.com/digital-atlas/hazquery/internal/aggregate"
)

// Merge aligns two per-hazard total maps on the union of their hazards and
// computes absolute and percentage differences. Percentages use denom when
// it is positive; otherwise each side falls back to its own sum, and a
// non-positive fallback yields 0 rather than a division error.
func (e *Engine) Merge(left, right map[string]float64, denom *float64) []aggregate.MergedRow {
	hazards := make([]string, 0, len(left)+len(right))
	seen := make(map[string]struct{}, len(left)+len(right))
	for h := range left {
		hazards = append(hazards, h)
		seen[h] = struct{}{}
	}
	for h := range right {
		if _, ok := seen[h]; !ok {
			hazards = append(hazards, h)
		}
	}

	var leftSum, rightSum float64
	for _, v := range left {
		leftSum += finite(v)
	}
	for _, v := range right {
		rightSum += finite(v)
	}

	out := make([]aggregate.MergedRow, 0, len(hazards))
	for _, h := range hazards {
		t1 := finite(left[h])
		t2 := finite(right[h])
		p1 := percentage(t1, denom, leftSum)
		p2 := percentage(t2, denom, rightSum)
		out = append(out, aggregate.MergedRow{
			Hazard:    h,
			Total1:    t1,
			Total2:    t2,
			TotalDiff: t2 - t1,
			Perc1:     p1,
			Perc2:     p2,
			PctDiff:   p2 - p1,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		di := math.Abs(out[i].TotalDiff)
		dj := math.Abs(out[j].TotalDiff)
		if di != dj {
			return di > dj
		}
		return out[i].Hazard < out[j].Hazard
	})
	return out
}

func percentage(v float64, denom *float64, sideSum float64) float64 {
	switch {
	case denom != nil && *denom > 0:
		return v / *denom * 100
	case sideSum > 0:
		return v / sideSum * 100
	default:
		return 0
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
