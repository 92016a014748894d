// Package parquetexec runs analytic query specs over parquet files.
package parquetexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"

	"github.com/digital-atlas/hazquery/internal/geofilter"
	"github.com/digital-atlas/hazquery/internal/observability"
	"github.com/digital-atlas/hazquery/internal/query"
	"github.com/digital-atlas/hazquery/internal/registry"
)

// ValueColumn is the measure column summed by grouped queries.
const ValueColumn = "value"

// TotalKey is the output key carrying the per-group sum.
const TotalKey = "total"

// Executor scans parquet datasets row by row. MaxRows caps the result set
// before offset and limit are applied; 0 means unbounded.
type Executor struct {
	MaxRows int
}

func New(maxRows int) *Executor {
	return &Executor{MaxRows: maxRows}
}

var _ query.Runner = (*Executor)(nil)

// Columns reads the schema of the dataset's first file.
func (e *Executor) Columns(ctx context.Context, ds registry.Dataset) (geofilter.Columns, error) {
	if len(ds.Paths) == 0 {
		return nil, fmt.Errorf("dataset %s has no paths", ds.Key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pf, closeFn, err := openFile(ds.Paths[0])
	if err != nil {
		return nil, err
	}
	defer closeFn()

	fields := pf.Schema().Fields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name())
	}
	return geofilter.NewColumns(names...), nil
}

// Run scans every path of the dataset, applies the predicate, then either
// groups or projects, then sorts and pages.
func (e *Executor) Run(ctx context.Context, ds registry.Dataset, spec query.Spec) ([]map[string]any, error) {
	start := time.Now()
	rows, err := e.run(ctx, ds, spec)
	observability.ObserveQuery(ds.Key, time.Since(start).Seconds())
	return rows, err
}

func (e *Executor) run(ctx context.Context, ds registry.Dataset, spec query.Spec) ([]map[string]any, error) {
	grouped := len(spec.GroupBy) > 0

	var (
		out    []map[string]any
		groups map[string]map[string]any
		order  []string
	)
	if grouped {
		groups = make(map[string]map[string]any, 64)
	}

	for _, path := range ds.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := scanFile(path, func(row map[string]any) error {
			if !spec.Predicate.Eval(row) {
				return nil
			}
			if grouped {
				key := groupKey(row, spec.GroupBy)
				g, ok := groups[key]
				if !ok {
					g = make(map[string]any, len(spec.GroupBy)+1)
					for _, col := range spec.GroupBy {
						g[col] = stringField(row[col])
					}
					if spec.SumValue {
						g[TotalKey] = 0.0
					}
					groups[key] = g
					order = append(order, key)
				}
				if spec.SumValue {
					if v, ok := numericField(row[ValueColumn]); ok {
						g[TotalKey] = g[TotalKey].(float64) + v
					}
				}
				return nil
			}
			out = append(out, projectRow(row, spec.Projection))
			if e.MaxRows > 0 && len(out) > e.MaxRows {
				return fmt.Errorf("result exceeds row cap of %d", e.MaxRows)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if grouped {
		out = make([]map[string]any, 0, len(order))
		for _, key := range order {
			out = append(out, groups[key])
		}
		if e.MaxRows > 0 && len(out) > e.MaxRows {
			return nil, fmt.Errorf("result exceeds row cap of %d", e.MaxRows)
		}
	}

	sortRows(out, spec.OrderBy)
	return page(out, spec.Offset, spec.Limit), nil
}

func scanFile(path string, visit func(map[string]any) error) error {
	pf, closeFn, err := openFile(path)
	if err != nil {
		return err
	}
	defer closeFn()

	reader := parquet.NewReader(pf)
	defer func() { _ = reader.Close() }()

	for {
		row := make(map[string]any)
		err := reader.Read(&row)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read row from %s: %w", path, err)
		}
		if err := visit(lowerKeys(row)); err != nil {
			return err
		}
	}
	return nil
}

func openFile(path string) (*parquet.File, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return pf, func() { _ = file.Close() }, nil
}

func lowerKeys(row map[string]any) map[string]any {
	for k, v := range row {
		lower := strings.ToLower(k)
		if lower != k {
			delete(row, k)
			row[lower] = v
		}
	}
	return row
}

func groupKey(row map[string]any, cols []string) string {
	var b strings.Builder
	for i, col := range cols {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(stringField(row[col]))
	}
	return b.String()
}

func projectRow(row map[string]any, cols []string) map[string]any {
	if len(cols) == 0 {
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = cleanValue(v)
		}
		return out
	}
	out := make(map[string]any, len(cols))
	for _, col := range cols {
		out[col] = cleanValue(row[col])
	}
	return out
}

// cleanValue coerces non-finite floats to nil so responses stay valid JSON.
func cleanValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	}
	return v
}

func stringField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// numericField extracts a finite float from any numeric parquet value.
func numericField(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case int:
		f = float64(x)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func sortRows(rows []map[string]any, orderBy []query.Order) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orderBy {
			c := compareValues(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders nil first, then numbers, then strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	na, aNum := numericField(a)
	nb, bNum := numericField(b)
	if aNum && bNum {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringField(a), stringField(b))
}

func page(rows []map[string]any, offset, limit int) []map[string]any {
	if offset > 0 {
		if offset >= len(rows) {
			return []map[string]any{}
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows
}
