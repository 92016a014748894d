package hazagg

import (
	"sort"

	"github.com/digital-atlas/hazquery/internal/aggregate"
)

// PruneTopHazards drops every row whose hazard is not among the k hazards
// with the largest summed totals. Rows outside the top set are removed
// outright, not bucketed.
func (e *Engine) PruneTopHazards(rows []aggregate.Row, k int) []aggregate.Row {
	if k <= 0 || len(rows) == 0 {
		return append([]aggregate.Row(nil), rows...)
	}
	order := make([]string, 0, 16)
	seen := make(map[string]struct{}, 16)
	for _, r := range rows {
		if _, ok := seen[r.Hazard]; !ok {
			seen[r.Hazard] = struct{}{}
			order = append(order, r.Hazard)
		}
	}
	keep := topKeysOrdered(hazardSums(rows), order, k)
	out := make([]aggregate.Row, 0, len(rows))
	for _, r := range rows {
		if _, ok := keep[r.Hazard]; ok {
			out = append(out, r)
		}
	}
	return sortRows(out)
}

// PruneTopCrops keeps the k crops with the largest summed totals and folds
// the remainder into an OtherCrop bucket per hazard, so per-hazard totals
// are unchanged.
func (e *Engine) PruneTopCrops(rows []aggregate.Row, k int) []aggregate.Row {
	if k <= 0 || len(rows) == 0 {
		return append([]aggregate.Row(nil), rows...)
	}
	sums := make(map[string]float64, 16)
	order := make([]string, 0, 16)
	for _, r := range rows {
		if _, seen := sums[r.Crop]; !seen {
			order = append(order, r.Crop)
		}
		sums[r.Crop] += r.Total
	}
	keep := topKeysOrdered(sums, order, k)

	merged := make(map[[2]string]float64, len(rows))
	seq := make([][2]string, 0, len(rows))
	for _, r := range rows {
		crop := r.Crop
		if _, ok := keep[crop]; !ok {
			crop = OtherCrop
		}
		key := [2]string{r.Hazard, crop}
		if _, seen := merged[key]; !seen {
			seq = append(seq, key)
		}
		merged[key] += r.Total
	}

	out := make([]aggregate.Row, 0, len(seq))
	for _, key := range seq {
		out = append(out, aggregate.Row{Hazard: key[0], Crop: key[1], Total: merged[key]})
	}
	return sortRows(out)
}

func hazardSums(rows []aggregate.Row) map[string]float64 {
	sums := make(map[string]float64, 16)
	for _, r := range rows {
		sums[r.Hazard] += r.Total
	}
	return sums
}

// topKeysOrdered picks the k keys with the largest values, breaking ties
// by first-seen order so the result does not depend on map iteration order.
func topKeysOrdered(sums map[string]float64, order []string, k int) map[string]struct{} {
	rank := make(map[string]int, len(order))
	for i, c := range order {
		rank[c] = i
	}
	keys := append([]string(nil), order...)
	sort.SliceStable(keys, func(i, j int) bool {
		if sums[keys[i]] != sums[keys[j]] {
			return sums[keys[i]] > sums[keys[j]]
		}
		return rank[keys[i]] < rank[keys[j]]
	})
	if k > len(keys) {
		k = len(keys)
	}
	keep := make(map[string]struct{}, k)
	for _, c := range keys[:k] {
		keep[c] = struct{}{}
	}
	return keep
}

// sortRows orders rows by hazard summed total descending, then per hazard
// by total descending, then crop ascending. Hazards with equal sums keep
// their first-seen order.
func sortRows(rows []aggregate.Row) []aggregate.Row {
	sums := hazardSums(rows)
	rank := make(map[string]int, len(sums))
	for _, r := range rows {
		if _, ok := rank[r.Hazard]; !ok {
			rank[r.Hazard] = len(rank)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Hazard != b.Hazard {
			if sums[a.Hazard] != sums[b.Hazard] {
				return sums[a.Hazard] > sums[b.Hazard]
			}
			return rank[a.Hazard] < rank[b.Hazard]
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Crop < b.Crop
	})
	return rows
}
