package geofilter

import (
	"errors"
	"testing"
)

func allCols() Columns {
	return NewColumns(ColAdmin0, ColAdmin1, ColAdmin2, ColISO3)
}

func TestCompileCountryExact(t *testing.T) {
	p, err := Compile(Selection{Admin0: []string{"Kenya"}}, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "LOWER(admin0_name) IN ('kenya') AND admin1_name IS NULL AND admin2_name IS NULL"
	if got := p.SQL(); got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}
	if !p.Eval(map[string]any{"admin0_name": "KENYA"}) {
		t.Fatalf("expected match for country-level row")
	}
	if p.Eval(map[string]any{"admin0_name": "Kenya", "admin1_name": "Nakuru"}) {
		t.Fatalf("exact mode must reject subdivision rows")
	}
}

func TestCompileBroadParentIsTrue(t *testing.T) {
	p, err := Compile(Selection{Admin0: []string{"all"}}, allCols(), Parent)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got := p.SQL(); got != "TRUE" {
		t.Fatalf("sql = %q, want TRUE", got)
	}
	if !p.Eval(map[string]any{}) {
		t.Fatalf("broad predicate must match everything")
	}
}

func TestCompileBroadExactIsTrue(t *testing.T) {
	p, err := Compile(Selection{}, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got := p.SQL(); got != "TRUE" {
		t.Fatalf("sql = %q, want TRUE", got)
	}
}

func TestCompileExactVsParent(t *testing.T) {
	sel := Selection{Admin0: []string{"Kenya"}, Admin1: []string{"Nakuru"}}

	exact, err := Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	parent, err := Compile(sel, allCols(), Parent)
	if err != nil {
		t.Fatalf("parent: %v", err)
	}

	wantExact := "LOWER(admin0_name) IN ('kenya') AND LOWER(admin1_name) IN ('nakuru') AND admin2_name IS NULL"
	if got := exact.SQL(); got != wantExact {
		t.Fatalf("exact sql = %q, want %q", got, wantExact)
	}
	wantParent := "LOWER(admin0_name) IN ('kenya') AND LOWER(admin1_name) IN ('nakuru')"
	if got := parent.SQL(); got != wantParent {
		t.Fatalf("parent sql = %q, want %q", got, wantParent)
	}

	row := map[string]any{"admin0_name": "Kenya", "admin1_name": "Nakuru", "admin2_name": "Naivasha"}
	if exact.Eval(row) {
		t.Fatalf("exact must not match descendant rows")
	}
	if !parent.Eval(row) {
		t.Fatalf("parent must match descendant rows")
	}
}

func TestCompileAdmin2All(t *testing.T) {
	sel := Selection{Admin0: []string{"Kenya"}, Admin1: []string{"Nakuru"}, Admin2: []string{"ALL"}}
	p, err := Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "LOWER(admin0_name) IN ('kenya') AND LOWER(admin1_name) IN ('nakuru') AND admin2_name IS NOT NULL"
	if got := p.SQL(); got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}
}

func TestCompileAdmin1All(t *testing.T) {
	sel := Selection{Admin0: []string{"Kenya"}, Admin1: []string{"all"}}
	p, err := Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "LOWER(admin0_name) IN ('kenya') AND admin1_name IS NOT NULL AND admin2_name IS NULL"
	if got := p.SQL(); got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}
}

func TestCompileISO3Alternative(t *testing.T) {
	sel := Selection{Admin0: []string{"Kenya"}, ISO3: []string{"KEN", "TZA"}}
	p, err := Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "(LOWER(admin0_name) IN ('kenya') OR LOWER(iso3) IN ('ken', 'tza')) AND admin1_name IS NULL AND admin2_name IS NULL"
	if got := p.SQL(); got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}
	if !p.Eval(map[string]any{"iso3": "ken"}) {
		t.Fatalf("iso3 alternative should match")
	}
}

func TestCompileMixedAllMarker(t *testing.T) {
	_, err := Compile(Selection{Admin0: []string{"Kenya"}, Admin1: []string{"all", "Nakuru"}}, allCols(), Exact)
	if !errors.Is(err, ErrMixedAllMarker) {
		t.Fatalf("err = %v, want ErrMixedAllMarker", err)
	}
	if !IsValidation(err) {
		t.Fatalf("mixed marker should classify as validation error")
	}
}

func TestCompileAmbiguousAll(t *testing.T) {
	_, err := Compile(Selection{Admin0: []string{"all"}, Admin1: []string{"all"}}, allCols(), Exact)
	if !errors.Is(err, ErrAmbiguousAllCombination) {
		t.Fatalf("err = %v, want ErrAmbiguousAllCombination", err)
	}
}

func TestCompileColumnNotAvailable(t *testing.T) {
	cols := NewColumns(ColAdmin0, ColISO3)
	_, err := Compile(Selection{Admin0: []string{"Kenya"}}, cols, Exact)
	if !errors.Is(err, ErrColumnNotAvailable) {
		t.Fatalf("err = %v, want ErrColumnNotAvailable", err)
	}

	// parent mode only needs the columns the selection actually uses
	if _, err := Compile(Selection{Admin0: []string{"Kenya"}}, cols, Parent); err != nil {
		t.Fatalf("parent compile: %v", err)
	}
}

func TestCompileBroadAdmin0DropsChildren(t *testing.T) {
	sel := Selection{Admin0: []string{"all"}, Admin1: []string{"Nakuru"}}
	p, err := Compile(sel, allCols(), Parent)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got := p.SQL(); got != "TRUE" {
		t.Fatalf("sql = %q, want TRUE", got)
	}
}

func TestCompileDeterministic(t *testing.T) {
	sel := Selection{Admin0: []string{"Kenya", "Uganda"}, Admin1: []string{"Nakuru"}}
	first, err := Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 0; i < 50; i++ {
		p, err := Compile(sel, allCols(), Exact)
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if p.SQL() != first.SQL() {
			t.Fatalf("nondeterministic sql: %q vs %q", p.SQL(), first.SQL())
		}
	}
}

func TestCompilerMemo(t *testing.T) {
	c := NewCompiler(8)
	sel := Selection{Admin0: []string{"Kenya"}}

	p1, err := c.Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p2, err := c.Compile(sel, allCols(), Exact)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p1.SQL() != p2.SQL() {
		t.Fatalf("memoized predicate differs: %q vs %q", p1.SQL(), p2.SQL())
	}

	// errors are never cached
	if _, err := c.Compile(Selection{Admin0: []string{"all"}, Admin2: []string{"all"}}, allCols(), Exact); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestIsBroad(t *testing.T) {
	cases := []struct {
		name string
		sel  Selection
		want bool
	}{
		{"empty", Selection{}, true},
		{"all", Selection{Admin0: []string{"all"}}, true},
		{"country", Selection{Admin0: []string{"Kenya"}}, false},
		{"iso3", Selection{ISO3: []string{"KEN"}}, false},
		{"admin1 only", Selection{Admin1: []string{"Nakuru"}}, false},
	}
	for _, tc := range cases {
		if got := IsBroad(tc.sel); got != tc.want {
			t.Fatalf("%s: IsBroad = %v, want %v", tc.name, got, tc.want)
		}
	}
}
