// Package hazagg implements the hazard aggregation engine: normalization,
// top-k pruning with "Other" bucketing, and side-by-side merge.
package hazagg

import (
	"github.com/digital-atlas/hazquery/internal/aggregate"
)

// OtherCrop is the bucket label for crops folded out by PruneTopCrops.
const OtherCrop = "Other"

type Engine struct{}

var _ aggregate.Interface = (*Engine)(nil)

func New() *Engine { return &Engine{} }
