package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/digital-atlas/hazquery/internal/aggregate"
	"github.com/digital-atlas/hazquery/internal/cache"
	"github.com/digital-atlas/hazquery/internal/cache/keys"
	"github.com/digital-atlas/hazquery/internal/geofilter"
	"github.com/digital-atlas/hazquery/internal/model"
	"github.com/digital-atlas/hazquery/internal/query"
	"github.com/digital-atlas/hazquery/internal/query/parquetexec"
	"github.com/digital-atlas/hazquery/internal/registry"
)

// recordsMaxTTL caps how long raw record pages stay cached; they are far
// larger than aggregate responses.
const recordsMaxTTL = 120 * time.Second

// prepared carries the per-request query context shared by the handlers.
type prepared struct {
	dataset   registry.Dataset
	columns   geofilter.Columns
	predicate geofilter.Predicate
}

// prepare validates the base query and compiles its geography predicate
// against the resolved dataset's columns, then narrows it with scenario,
// commodity and hazard clauses where the dataset carries those columns.
func (s *Server) prepare(ctx context.Context, base model.BaseQuery, mode geofilter.Mode) (prepared, error) {
	if err := base.Scen.Validate(); err != nil {
		return prepared{}, err
	}
	ds, err := s.registry.Resolve(base.Domain, base.Selector)
	if err != nil {
		return prepared{}, err
	}
	cols, err := s.runner.Columns(ctx, ds)
	if err != nil {
		return prepared{}, err
	}
	pred, err := s.compiler.Compile(base.Geo, cols, mode)
	if err != nil {
		return prepared{}, err
	}
	pred = pred.With(scenarioClauses(base.Scen, cols)...)
	pred = pred.With(commodityClause(base.Commodities, cols)...)
	pred = pred.With(hazardVarClause(base, cols)...)
	return prepared{dataset: ds, columns: cols, predicate: pred}, nil
}

func scenarioClauses(pick model.ScenarioPick, cols geofilter.Columns) []geofilter.Clause {
	n := pick.Normalize()
	var out []geofilter.Clause
	if n.Scenario != "" && cols.Has("scenario") {
		out = append(out, geofilter.Eq("scenario", n.Scenario))
	}
	if n.Timeframe != "" && cols.Has("timeframe") {
		out = append(out, geofilter.Eq("timeframe", n.Timeframe))
	}
	return out
}

func commodityClause(commodities []string, cols geofilter.Columns) []geofilter.Clause {
	if len(commodities) == 0 || !cols.Has("crop") {
		return nil
	}
	vals := make([]string, 0, len(commodities))
	for _, c := range commodities {
		if c == "" || c == "all" {
			return nil
		}
		vals = append(vals, c)
	}
	return []geofilter.Clause{geofilter.In("crop", vals)}
}

func hazardVarClause(base model.BaseQuery, cols geofilter.Columns) []geofilter.Clause {
	if !cols.Has("hazard_vars") {
		return nil
	}
	return []geofilter.Clause{geofilter.In("hazard_vars", base.ResolveHazardVars())}
}

// cached wraps an analytic computation in the two-tier cache. On a hit the
// stored response body is replayed with fresh cache metadata; on a miss the
// computed body is stored under the derived key.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, prefix string, ttlReq *int, payload any, compute func(ctx context.Context) (map[string]any, error)) {
	ctx := r.Context()
	start := time.Now()

	key, err := keys.Key(prefix, payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	policy := cache.ResolvePolicy(ttlReq, s.cfg.CacheTTL)
	if prefix == "records" && policy.TTL > recordsMaxTTL {
		policy.TTL = recordsMaxTTL
	}

	if raw, src := s.cache.Get(ctx, key, policy); src == cache.SourceFast || src == cache.SourceDurable {
		var body map[string]any
		if err := gojson.Unmarshal(raw, &body); err == nil {
			body["cache_source"] = string(src)
			body["t_ms"] = time.Since(start).Milliseconds()
			writeJSON(w, http.StatusOK, body)
			return
		}
		s.log.Warn().Str("key", key).Msg("cached body unreadable, recomputing")
	}

	body, err := compute(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.cache.Set(ctx, key, body, policy); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache store failed")
	}
	body["cache_source"] = string(cache.SourceMiss)
	if policy.Disabled {
		body["cache_source"] = string(cache.SourceDisabled)
	}
	body["t_ms"] = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTotalsByHazard(w http.ResponseWriter, r *http.Request) {
	var req model.TotalsByHazardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.cached(w, r, "totals_by_hazard", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		p, err := s.prepare(ctx, req.BaseQuery, geofilter.Exact)
		if err != nil {
			return nil, err
		}
		pred := p.predicate
		if len(req.Hazards) > 0 && p.columns.Has("hazard") {
			pred = pred.With(geofilter.In("hazard", req.Hazards))
		}
		rows, err := s.runner.Run(ctx, p.dataset, query.Spec{
			Predicate: pred,
			GroupBy:   []string{"hazard"},
			SumValue:  true,
			OrderBy:   []query.Order{{Column: parquetexec.TotalKey, Desc: true}},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows}, nil
	})
}

func (s *Server) handleTotalsByCrop(w http.ResponseWriter, r *http.Request) {
	var req model.TotalsByCropRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.cached(w, r, "totals_by_crop", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		p, err := s.prepare(ctx, req.BaseQuery, geofilter.Exact)
		if err != nil {
			return nil, err
		}
		pred := p.predicate
		if len(req.Hazards) > 0 && p.columns.Has("hazard") {
			pred = pred.With(geofilter.In("hazard", req.Hazards))
		}
		rows, err := s.runner.Run(ctx, p.dataset, query.Spec{
			Predicate: pred,
			GroupBy:   []string{"crop"},
			SumValue:  true,
			OrderBy:   []query.Order{{Column: parquetexec.TotalKey, Desc: true}},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows}, nil
	})
}

func (s *Server) handleHazardByCrop(w http.ResponseWriter, r *http.Request) {
	var req model.HazardByCropRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.cached(w, r, "hazard_by_crop", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		p, err := s.prepare(ctx, req.BaseQuery, geofilter.Exact)
		if err != nil {
			return nil, err
		}
		raw, err := s.runner.Run(ctx, p.dataset, query.Spec{
			Predicate: p.predicate,
			GroupBy:   []string{"hazard", "crop"},
			SumValue:  true,
		})
		if err != nil {
			return nil, err
		}

		rows := make([]aggregate.Row, 0, len(raw))
		for _, m := range raw {
			rows = append(rows, aggregate.Row{
				Hazard: asString(m["hazard"]),
				Crop:   asString(m["crop"]),
				Total:  asFloat(m[parquetexec.TotalKey]),
			})
		}
		rows = s.agg.Normalize(rows)
		if req.TopHazards != nil {
			rows = s.agg.PruneTopHazards(rows, *req.TopHazards)
		}
		if req.TopCrops != nil {
			rows = s.agg.PruneTopCrops(rows, *req.TopCrops)
		}
		return map[string]any{"rows": rows}, nil
	})
}

func (s *Server) handleByAdmin(w http.ResponseWriter, r *http.Request) {
	var req model.ByAdminRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.cached(w, r, "by_admin", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		groupChild := req.GroupChild == nil || *req.GroupChild
		mode := geofilter.Exact
		if groupChild {
			mode = geofilter.Parent
		}
		p, err := s.prepare(ctx, req.BaseQuery, mode)
		if err != nil {
			return nil, err
		}
		groupCol := groupColumn(req.BaseQuery.Geo, groupChild)
		if !p.columns.Has(groupCol) {
			return nil, fmt.Errorf("%w: %s", geofilter.ErrColumnNotAvailable, groupCol)
		}
		pred := p.predicate.With(geofilter.NotNull(groupCol))

		rows, err := s.runner.Run(ctx, p.dataset, query.Spec{
			Predicate: pred,
			GroupBy:   []string{groupCol},
			SumValue:  true,
			OrderBy:   []query.Order{{Column: parquetexec.TotalKey, Desc: true}},
		})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			row["admin"] = row[groupCol]
		}
		return map[string]any{"rows": rows, "group_by": groupCol}, nil
	})
}

// groupColumn picks the administrative level to group by: one level below
// the selection when groupChild is set, the selection's own level otherwise.
func groupColumn(sel geofilter.Selection, groupChild bool) string {
	hasAdmin1 := len(sel.Admin1) > 0
	hasAdmin2 := len(sel.Admin2) > 0
	if groupChild {
		if hasAdmin1 || hasAdmin2 {
			return geofilter.ColAdmin2
		}
		return geofilter.ColAdmin1
	}
	switch {
	case hasAdmin2:
		return geofilter.ColAdmin2
	case hasAdmin1:
		return geofilter.ColAdmin1
	default:
		return geofilter.ColAdmin0
	}
}

func (s *Server) handleDenomTotal(w http.ResponseWriter, r *http.Request) {
	var req model.DenomTotalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.cached(w, r, "denom_total", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		total, err := s.sumValue(ctx, req.BaseQuery)
		if err != nil {
			return nil, err
		}
		return map[string]any{"total": total}, nil
	})
}

// sumValue computes the summed value column for a base query.
func (s *Server) sumValue(ctx context.Context, base model.BaseQuery) (float64, error) {
	p, err := s.prepare(ctx, base, geofilter.Exact)
	if err != nil {
		return 0, err
	}
	rows, err := s.runner.Run(ctx, p.dataset, query.Spec{
		Predicate:  p.predicate,
		Projection: []string{parquetexec.ValueColumn},
	})
	if err != nil {
		return 0, err
	}
	var total float64
	for _, row := range rows {
		total += asFloat(row[parquetexec.ValueColumn])
	}
	return total, nil
}

func (s *Server) handleQ1(w http.ResponseWriter, r *http.Request) {
	var req model.Q1Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.cached(w, r, "q1", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		left, err := s.hazardTotals(ctx, req.BaseQuery, req.Left)
		if err != nil {
			return nil, err
		}
		right, err := s.hazardTotals(ctx, req.BaseQuery, req.Right)
		if err != nil {
			return nil, err
		}

		var denom *float64
		if req.Denom != "" {
			base := req.BaseQuery
			base.Domain = req.Denom
			base.Selector = ""
			base.Scen = model.ScenarioPick{}
			total, err := s.sumValue(ctx, base)
			if err != nil {
				return nil, err
			}
			denom = &total
		}
		return map[string]any{"rows": s.agg.Merge(left, right, denom)}, nil
	})
}

// hazardTotals runs one side of a scenario comparison.
func (s *Server) hazardTotals(ctx context.Context, base model.BaseQuery, pick model.ScenarioPick) (map[string]float64, error) {
	base.Scen = pick
	p, err := s.prepare(ctx, base, geofilter.Exact)
	if err != nil {
		return nil, err
	}
	rows, err := s.runner.Run(ctx, p.dataset, query.Spec{
		Predicate: p.predicate,
		GroupBy:   []string{"hazard"},
		SumValue:  true,
	})
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64, len(rows))
	for _, row := range rows {
		totals[asString(row["hazard"])] += asFloat(row[parquetexec.TotalKey])
	}
	return totals, nil
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	var req model.RecordsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if geofilter.IsBroad(req.Geo) && !s.cfg.AllowBroadGeo {
		writeError(w, http.StatusBadRequest, "a geography selection is required for record listings")
		return
	}
	s.cached(w, r, "records", req.CacheTTL, req, func(ctx context.Context) (map[string]any, error) {
		p, err := s.prepare(ctx, req.BaseQuery, geofilter.Exact)
		if err != nil {
			return nil, err
		}

		page := req.Page
		if page < 1 {
			page = 1
		}
		size := req.PageSize
		if size < 1 {
			size = 100
		}
		if s.cfg.ExportMaxRows > 0 && size > s.cfg.ExportMaxRows {
			size = s.cfg.ExportMaxRows
		}

		var orderBy []query.Order
		if req.Sort != "" {
			orderBy = []query.Order{{Column: req.Sort, Desc: req.SortDesc}}
		}

		// fetch one row past the page to learn whether more exist
		rows, err := s.runner.Run(ctx, p.dataset, query.Spec{
			Predicate: p.predicate,
			OrderBy:   orderBy,
			Offset:    (page - 1) * size,
			Limit:     size + 1,
		})
		if err != nil {
			return nil, err
		}
		hasMore := len(rows) > size
		if hasMore {
			rows = rows[:size]
		}
		return map[string]any{
			"rows":      rows,
			"page":      page,
			"page_size": size,
			"has_more":  hasMore,
		}, nil
	})
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}
