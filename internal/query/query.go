// Package query defines the analytic query contract between the HTTP
// handlers and the dataset executor.
package query

import (
	"context"

	"github.com/digital-atlas/hazquery/internal/geofilter"
	"github.com/digital-atlas/hazquery/internal/registry"
)

// Order is one sort directive applied to the result set.
type Order struct {
	Column string
	Desc   bool
}

// Spec is a filtered scan over one dataset. When GroupBy is set the result
// has one row per group; SumValue additionally sums the "value" column per
// group under the "total" key. Otherwise Projection selects raw columns.
type Spec struct {
	Predicate  geofilter.Predicate
	Projection []string
	GroupBy    []string
	SumValue   bool
	OrderBy    []Order
	Limit      int
	Offset     int
}

// Runner executes a Spec against a dataset. Implementations load only the
// paths listed in the dataset and never mutate it.
type Runner interface {
	Run(ctx context.Context, ds registry.Dataset, spec Spec) ([]map[string]any, error)
	// Columns reports the dataset's column names, folded to lowercase.
	Columns(ctx context.Context, ds registry.Dataset) (geofilter.Columns, error)
}
