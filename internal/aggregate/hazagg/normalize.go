package hazagg

import (
	"math"

	"github.com/digital-atlas/hazquery/internal/aggregate"
)

// Normalize copies rows, replacing NaN and infinite totals with 0 so that
// downstream sums and serialization stay well defined.
func (e *Engine) Normalize(rows []aggregate.Row) []aggregate.Row {
	out := make([]aggregate.Row, len(rows))
	for i, r := range rows {
		if math.IsNaN(r.Total) || math.IsInf(r.Total, 0) {
			r.Total = 0
		}
		out[i] = r
	}
	return out
}
