// Package aggregate defines the result shapes and operations of the
// hazard aggregation pipeline.
package aggregate

// Row is one grouped aggregation result: the summed value for a
// hazard/crop pair.
type Row struct {
	Hazard string  `json:"hazard"`
	Crop   string  `json:"crop"`
	Total  float64 `json:"total"`
}

// MergedRow is one side-by-side comparison result produced by Merge.
type MergedRow struct {
	Hazard    string  `json:"hazard"`
	Total1    float64 `json:"total1"`
	Total2    float64 `json:"total2"`
	TotalDiff float64 `json:"total_diff"`
	Perc1     float64 `json:"perc1"`
	Perc2     float64 `json:"perc2"`
	PctDiff   float64 `json:"pct_diff"`
}

// Interface is the aggregation engine contract. Implementations never
// mutate their inputs.
type Interface interface {
	// Normalize returns a copy of rows with non-finite totals coerced to 0.
	Normalize(rows []Row) []Row
	// PruneTopHazards keeps rows belonging to the k hazards with the
	// largest summed totals. k <= 0 keeps everything.
	PruneTopHazards(rows []Row, k int) []Row
	// PruneTopCrops keeps the k crops with the largest summed totals and
	// folds every other crop into an "Other" bucket per hazard. Per-hazard
	// totals are preserved. k <= 0 keeps everything.
	PruneTopCrops(rows []Row, k int) []Row
	// Merge compares two per-hazard total maps, computing absolute and
	// percentage differences against an optional shared denominator.
	Merge(left, right map[string]float64, denom *float64) []MergedRow
}
