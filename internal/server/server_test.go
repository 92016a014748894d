package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/parquet-go"

	"github.com/digital-atlas/hazquery/internal/cache"
	"github.com/digital-atlas/hazquery/internal/cache/mossstore"
	"github.com/digital-atlas/hazquery/internal/cache/redisstore"
	"github.com/digital-atlas/hazquery/internal/config"
	"github.com/digital-atlas/hazquery/internal/query/parquetexec"
	"github.com/digital-atlas/hazquery/internal/registry"
)

type fixtureRow struct {
	Admin0    string  `parquet:"admin0_name"`
	Admin1    string  `parquet:"admin1_name,optional"`
	Admin2    string  `parquet:"admin2_name,optional"`
	Scenario  string  `parquet:"scenario"`
	Timeframe string  `parquet:"timeframe"`
	Hazard    string  `parquet:"hazard"`
	Crop      string  `parquet:"crop"`
	Value     float64 `parquet:"value"`
}

// fixtureRows holds rows at two granularities: country-level rows with no
// admin1, plus an admin1 breakdown for historical Kenya. Aggregate queries
// must count only the country rows; by-admin groups only the breakdown.
func fixtureRows() []fixtureRow {
	return []fixtureRow{
		{Admin0: "Kenya", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NDWS", Crop: "maize", Value: 10},
		{Admin0: "Kenya", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NDWS", Crop: "rice", Value: 6},
		{Admin0: "Kenya", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NTx35", Crop: "maize", Value: 4},
		{Admin0: "Kenya", Scenario: "ssp245", Timeframe: "2041-2060", Hazard: "NDWS", Crop: "maize", Value: 14},
		{Admin0: "Kenya", Scenario: "ssp245", Timeframe: "2041-2060", Hazard: "NDWS", Crop: "rice", Value: 8},
		{Admin0: "Uganda", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NDWS", Crop: "maize", Value: 99},
		{Admin0: "Kenya", Admin1: "Nakuru", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NDWS", Crop: "maize", Value: 7},
		{Admin0: "Kenya", Admin1: "Kiambu", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NDWS", Crop: "rice", Value: 3},
		{Admin0: "Kenya", Admin1: "Nakuru", Scenario: "historical", Timeframe: "1995-2014", Hazard: "NTx35", Crop: "maize", Value: 2},
	}
}

func writeParquet(t *testing.T, dir string, rows []fixtureRow) string {
	t.Helper()
	path := filepath.Join(dir, "hazard.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	w := parquet.NewGenericWriter[fixtureRow](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func newTestServer(t *testing.T, cfgMut func(*config.Config)) *Server {
	t.Helper()

	dir := t.TempDir()
	writeParquet(t, dir, fixtureRows())
	regPath := filepath.Join(dir, "registry.json")
	regBody := `{
		"hazard": {"datasets": [{"key": "haz_admin", "path": "hazard.parquet", "selector": "admin"}]},
		"exposure": {"datasets": [{"key": "exp_total", "path": "hazard.parquet"}]}
	}`
	if err := os.WriteFile(regPath, []byte(regBody), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	rdb, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	durable, err := mossstore.OpenInMemory()
	if err != nil {
		t.Fatalf("mossstore.OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = durable.Close() })

	cfg := config.Config{
		CacheTTL:       time.Minute,
		CacheOpTimeout: time.Second,
		ClearToken:     "secret",
		MaxRows:        100000,
		ExportMaxRows:  1000,
	}
	if cfgMut != nil {
		cfgMut(&cfg)
	}

	coord := cache.NewCoordinator(rdb, durable, cache.CoordinatorConfig{WriteWorkers: 1, WriteQueue: 8}, zerolog.Nop())
	t.Cleanup(coord.Close)

	reg, err := registry.Load(regPath, "")
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}

	return New(cfg, zerolog.Nop(), coord, rdb, reg, parquetexec.New(cfg.MaxRows))
}

func postJSON(t *testing.T, h http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := gojson.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestTotalsByHazard(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Router()

	body := `{
		"domain": "hazard", "selector": "admin",
		"scenario_pick": {"scenario": "historical"},
		"geo": {"admin0": ["Kenya"]}
	}`
	rr := postJSON(t, h, "/api/v1/hz/totals-by-hazard", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp["cache_source"] != "miss" {
		t.Fatalf("first call cache_source = %v", resp["cache_source"])
	}
	rows := resp["rows"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	// country totals only: the admin1 breakdown rows must not be double-counted
	first := rows[0].(map[string]any)
	if first["hazard"] != "NDWS" || first["total"] != 16.0 {
		t.Fatalf("first row = %v", first)
	}
	second := rows[1].(map[string]any)
	if second["hazard"] != "NTx35" || second["total"] != 4.0 {
		t.Fatalf("second row = %v", second)
	}

	// second call must be served from the fast tier
	rr = postJSON(t, h, "/api/v1/hz/totals-by-hazard", body)
	resp = decodeResp(t, rr)
	if resp["cache_source"] != "fast" {
		t.Fatalf("second call cache_source = %v", resp["cache_source"])
	}
}

func TestTotalsByHazardDisabledTTL(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Router()

	body := `{
		"domain": "hazard", "selector": "admin",
		"geo": {"admin0": ["Kenya"]},
		"cache_ttl_seconds": -1
	}`
	for i := 0; i < 2; i++ {
		rr := postJSON(t, h, "/api/v1/hz/totals-by-hazard", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}
		if resp := decodeResp(t, rr); resp["cache_source"] != "disabled" {
			t.Fatalf("cache_source = %v", resp["cache_source"])
		}
	}
}

func TestTotalsByCrop(t *testing.T) {
	s := newTestServer(t, nil)
	rr := postJSON(t, s.Router(), "/api/v1/hz/totals-by-crop", `{
		"domain": "hazard", "selector": "admin",
		"scenario_pick": {"scenario": "ssp245", "timeframe": "2041-2060"},
		"geo": {"admin0": ["Kenya"]}
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	rows := decodeResp(t, rr)["rows"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	first := rows[0].(map[string]any)
	if first["crop"] != "maize" || first["total"] != 14.0 {
		t.Fatalf("first row = %v", first)
	}
}

func TestHazardByCropTopCrops(t *testing.T) {
	s := newTestServer(t, nil)
	rr := postJSON(t, s.Router(), `/api/v1/hz/hazard-by-crop`, `{
		"domain": "hazard", "selector": "admin",
		"scenario_pick": {"scenario": "historical"},
		"geo": {"admin0": ["Kenya"]},
		"top_crops": 1
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	rows := decodeResp(t, rr)["rows"].([]any)
	seenOther := false
	for _, r := range rows {
		row := r.(map[string]any)
		crop := row["crop"].(string)
		if crop != "maize" && crop != "Other" {
			t.Fatalf("unexpected crop %q", crop)
		}
		if crop == "Other" {
			seenOther = true
		}
	}
	if !seenOther {
		t.Fatalf("expected an Other bucket: %v", rows)
	}
}

func TestByAdminGroupsChildLevel(t *testing.T) {
	s := newTestServer(t, nil)
	rr := postJSON(t, s.Router(), "/api/v1/hz/by-admin", `{
		"domain": "hazard", "selector": "admin",
		"scenario_pick": {"scenario": "historical"},
		"geo": {"admin0": ["Kenya"]}
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp["group_by"] != "admin1_name" {
		t.Fatalf("group_by = %v", resp["group_by"])
	}
	rows := resp["rows"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	// only the admin1 breakdown rows group; country-level rows have no admin1
	first := rows[0].(map[string]any)
	if first["admin"] != "Nakuru" || first["total"] != 9.0 {
		t.Fatalf("first row = %v", first)
	}
}

func TestQ1Merge(t *testing.T) {
	s := newTestServer(t, nil)
	rr := postJSON(t, s.Router(), "/api/v1/hz/q1", `{
		"domain": "hazard", "selector": "admin",
		"geo": {"admin0": ["Kenya"]},
		"left": {"scenario": "historical"},
		"right": {"scenario": "ssp245", "timeframe": "2041-2060"}
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	rows := decodeResp(t, rr)["rows"].([]any)
	byHazard := map[string]map[string]any{}
	for _, r := range rows {
		row := r.(map[string]any)
		byHazard[row["hazard"].(string)] = row
	}
	ndws := byHazard["NDWS"]
	if ndws["total1"] != 16.0 || ndws["total2"] != 22.0 || ndws["total_diff"] != 6.0 {
		t.Fatalf("NDWS row = %v", ndws)
	}
	ntx := byHazard["NTx35"]
	if ntx["total2"] != 0.0 || ntx["total_diff"] != -4.0 {
		t.Fatalf("NTx35 row = %v", ntx)
	}
}

func TestDenomTotal(t *testing.T) {
	s := newTestServer(t, nil)
	rr := postJSON(t, s.Router(), "/api/v1/exposure/denom-total", `{
		"domain": "exposure",
		"scenario_pick": {"scenario": "historical"},
		"geo": {"admin0": ["Kenya"]}
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if total := decodeResp(t, rr)["total"]; total != 20.0 {
		t.Fatalf("total = %v", total)
	}
}

func TestRecordsBroadGeoRejected(t *testing.T) {
	s := newTestServer(t, nil)
	rr := postJSON(t, s.Router(), "/api/v1/hz/records", `{
		"domain": "hazard", "selector": "admin",
		"geo": {"admin0": ["all"]}
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRecordsPaging(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Router()

	rr := postJSON(t, h, "/api/v1/hz/records", `{
		"domain": "hazard", "selector": "admin",
		"geo": {"admin0": ["Kenya"], "admin1": ["Nakuru"]},
		"page": 1, "page_size": 1, "sort": "value", "sort_desc": true
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	rows := resp["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	first := rows[0].(map[string]any)
	if first["value"] != 7.0 {
		t.Fatalf("sort_desc by value: %v", first)
	}
	if resp["has_more"] != true {
		t.Fatalf("page 1 has_more = %v, want true", resp["has_more"])
	}

	rr = postJSON(t, h, "/api/v1/hz/records", `{
		"domain": "hazard", "selector": "admin",
		"geo": {"admin0": ["Kenya"], "admin1": ["Nakuru"]},
		"page": 2, "page_size": 1, "sort": "value", "sort_desc": true
	}`)
	resp = decodeResp(t, rr)
	rows = resp["rows"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["value"] != 2.0 {
		t.Fatalf("page 2 rows = %v", rows)
	}
	if resp["has_more"] != false {
		t.Fatalf("page 2 has_more = %v, want false", resp["has_more"])
	}
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Router()

	// mixed "all" marker
	rr := postJSON(t, h, "/api/v1/hz/totals-by-hazard", `{
		"domain": "hazard", "selector": "admin",
		"geo": {"admin0": ["Kenya"], "admin1": ["all", "Nakuru"]}
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("mixed marker status = %d", rr.Code)
	}

	// historical scenario with a future timeframe
	rr = postJSON(t, h, "/api/v1/hz/totals-by-hazard", `{
		"domain": "hazard", "selector": "admin",
		"scenario_pick": {"scenario": "historical", "timeframe": "2041-2060"},
		"geo": {"admin0": ["Kenya"]}
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("scenario/timeframe status = %d", rr.Code)
	}

	// unknown domain
	rr = postJSON(t, h, "/api/v1/hz/totals-by-hazard", `{
		"domain": "nope",
		"geo": {"admin0": ["Kenya"]}
	}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown domain status = %d", rr.Code)
	}
}

func TestCacheAdmin(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hz/cache/prefixes", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("prefixes status = %d", rr.Code)
	}
	if prefixes := decodeResp(t, rr)["prefixes"].([]any); len(prefixes) != len(CachePrefixes) {
		t.Fatalf("prefixes = %v", prefixes)
	}

	// unauthenticated clear
	rr = postJSON(t, h, "/api/v1/hz/cache/clear", `{"all": true}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated clear status = %d", rr.Code)
	}

	// warm one entry, then clear it with the token
	warm := `{"domain": "hazard", "selector": "admin", "geo": {"admin0": ["Kenya"]}}`
	if rr := postJSON(t, h, "/api/v1/hz/totals-by-hazard", warm); rr.Code != http.StatusOK {
		t.Fatalf("warm status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/hz/cache/clear",
		bytes.NewBufferString(`{"prefixes": ["totals_by_hazard"]}`))
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d: %s", rr.Code, rr.Body.String())
	}
	if deleted := decodeResp(t, rr)["deleted"]; deleted != 1.0 {
		t.Fatalf("deleted = %v", deleted)
	}

	// unknown prefix is rejected
	req = httptest.NewRequest(http.MethodPost, "/api/v1/hz/cache/clear",
		bytes.NewBufferString(`{"prefixes": ["secrets"]}`))
	req.Header.Set("X-Admin-Token", "secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown prefix status = %d", rr.Code)
	}
}

func TestCacheClearUnconfigured(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.ClearToken = "" })
	rr := postJSON(t, s.Router(), "/api/v1/hz/cache/clear", `{"all": true}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}
