// Package geofilter compiles hierarchical administrative geography selections
// into deterministic filter predicates over named dataset columns.
//
// A selection carries up to four dimensions (admin0, admin1, admin2, iso3).
// The literal marker "all" (case-insensitive) means "no constraint at this
// level" and cannot co-occur with concrete values in the same dimension.
package geofilter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Backing columns for the geography dimensions.
const (
	ColAdmin0 = "admin0_name"
	ColAdmin1 = "admin1_name"
	ColAdmin2 = "admin2_name"
	ColISO3   = "iso3"
)

type Mode int

const (
	// Exact selects rows at precisely the requested administrative level.
	Exact Mode = iota
	// Parent selects the requested level and every descendant beneath it.
	Parent
)

func (m Mode) String() string {
	if m == Parent {
		return "parent"
	}
	return "exact"
}

var (
	ErrMixedAllMarker          = errors.New(`a geo dimension must be either ["all"] or a list of values, not both`)
	ErrAmbiguousAllCombination = errors.New(`admin0="all" cannot be combined with admin1="all" or admin2="all"`)
	ErrColumnNotAvailable      = errors.New("geo filter column not available in dataset")
)

// IsValidation reports whether err is a selection validation failure that
// should be surfaced to the caller as a bad request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMixedAllMarker) ||
		errors.Is(err, ErrAmbiguousAllCombination) ||
		errors.Is(err, ErrColumnNotAvailable)
}

// Selection is a hierarchical geography pick. Values are trimmed and empties
// dropped during compilation; the zero value selects everything.
type Selection struct {
	Admin0 []string `json:"admin0,omitempty"`
	Admin1 []string `json:"admin1,omitempty"`
	Admin2 []string `json:"admin2,omitempty"`
	ISO3   []string `json:"iso3,omitempty"`
}

// Columns is the set of filterable columns a dataset provides, folded to
// lowercase.
type Columns map[string]struct{}

func NewColumns(names ...string) Columns {
	c := make(Columns, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			c[n] = struct{}{}
		}
	}
	return c
}

func (c Columns) Has(name string) bool {
	_, ok := c[strings.ToLower(name)]
	return ok
}

// IsBroad reports whether the selection carries no geography constraint at
// all: admin0 absent or "all", and no iso3, admin1, or admin2 values.
func IsBroad(sel Selection) bool {
	a0, all0, err := normalizeDim("admin0", sel.Admin0)
	if err != nil || !(len(a0) == 0 || all0) {
		return false
	}
	for _, dim := range [][]string{sel.ISO3, sel.Admin1, sel.Admin2} {
		for _, v := range dim {
			if strings.TrimSpace(v) != "" {
				return false
			}
		}
	}
	return true
}

// Compile turns a selection into a predicate over the dataset's columns.
// Compilation is pure and deterministic: structurally equal inputs always
// yield a byte-identical predicate.
func Compile(sel Selection, cols Columns, mode Mode) (Predicate, error) {
	a0, all0, err := normalizeDim("admin0", sel.Admin0)
	if err != nil {
		return Predicate{}, err
	}
	a1, all1, err := normalizeDim("admin1", sel.Admin1)
	if err != nil {
		return Predicate{}, err
	}
	a2, all2, err := normalizeDim("admin2", sel.Admin2)
	if err != nil {
		return Predicate{}, err
	}
	iso, _, err := normalizeDim("iso3", sel.ISO3)
	if err != nil {
		return Predicate{}, err
	}

	// admin0 absent or "all" removes the country constraint entirely.
	admin0Broad := len(a0) == 0 || all0
	if admin0Broad && (all1 || all2) {
		return Predicate{}, ErrAmbiguousAllCombination
	}
	if admin0Broad {
		a1, a2 = nil, nil
	}

	if err := checkColumns(cols, neededColumns(mode, admin0Broad, a0, a1, a2, iso, all1, all2)); err != nil {
		return Predicate{}, err
	}

	var clauses []Clause

	// country clause first: admin0 and iso3 are alternatives for the same level
	switch {
	case len(a0) > 0 && len(iso) > 0:
		clauses = append(clauses, Or(In(ColAdmin0, a0), In(ColISO3, iso)))
	case len(a0) > 0:
		clauses = append(clauses, In(ColAdmin0, a0))
	case len(iso) > 0:
		clauses = append(clauses, In(ColISO3, iso))
	}

	if mode == Parent {
		if len(a1) > 0 {
			clauses = append(clauses, In(ColAdmin1, a1))
		}
		if len(a2) > 0 {
			clauses = append(clauses, In(ColAdmin2, a2))
		}
		return And(clauses...), nil
	}

	// Exact: absent child levels pin the granularity with IS NULL. A fully
	// broad selection has no granularity to pin and compiles to TRUE.
	if admin0Broad && len(iso) == 0 {
		return And(clauses...), nil
	}
	switch {
	case len(a2) > 0:
		if len(a1) > 0 {
			clauses = append(clauses, In(ColAdmin1, a1))
		}
		clauses = append(clauses, In(ColAdmin2, a2))
	case all2:
		if len(a1) > 0 {
			clauses = append(clauses, In(ColAdmin1, a1))
		}
		clauses = append(clauses, NotNull(ColAdmin2))
	case len(a1) > 0:
		clauses = append(clauses, In(ColAdmin1, a1))
		clauses = append(clauses, IsNull(ColAdmin2))
	case all1:
		clauses = append(clauses, NotNull(ColAdmin1))
		clauses = append(clauses, IsNull(ColAdmin2))
	default:
		clauses = append(clauses, IsNull(ColAdmin1))
		clauses = append(clauses, IsNull(ColAdmin2))
	}
	return And(clauses...), nil
}

func normalizeDim(name string, raw []string) ([]string, bool, error) {
	vals := make([]string, 0, len(raw))
	hasAll := false
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.EqualFold(v, "all") {
			hasAll = true
			continue
		}
		vals = append(vals, v)
	}
	if hasAll && len(vals) > 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrMixedAllMarker, name)
	}
	if len(vals) == 0 {
		vals = nil
	}
	return vals, hasAll, nil
}

func neededColumns(mode Mode, admin0Broad bool, a0, a1, a2, iso []string, all1, all2 bool) []string {
	var need []string
	if len(a0) > 0 {
		need = append(need, ColAdmin0)
	}
	if len(iso) > 0 {
		need = append(need, ColISO3)
	}
	if mode == Exact {
		if !admin0Broad || len(iso) > 0 {
			need = append(need, ColAdmin1, ColAdmin2)
		}
		return need
	}
	if len(a1) > 0 || all1 {
		need = append(need, ColAdmin1)
	}
	if len(a2) > 0 || all2 {
		need = append(need, ColAdmin2)
	}
	return need
}

func checkColumns(cols Columns, need []string) error {
	for _, c := range need {
		if !cols.Has(c) {
			return fmt.Errorf("%w: %s", ErrColumnNotAvailable, c)
		}
	}
	return nil
}

// Compiler memoizes compiled predicates. Safe because Compile is pure and
// predicates are immutable.
type Compiler struct {
	memo *lru.Cache[string, Predicate]
}

func NewCompiler(size int) *Compiler {
	if size <= 0 {
		size = 512
	}
	c, _ := lru.New[string, Predicate](size)
	return &Compiler{memo: c}
}

func (c *Compiler) Compile(sel Selection, cols Columns, mode Mode) (Predicate, error) {
	k := memoKey(sel, cols, mode)
	if p, ok := c.memo.Get(k); ok {
		return p, nil
	}
	p, err := Compile(sel, cols, mode)
	if err != nil {
		return Predicate{}, err
	}
	c.memo.Add(k, p)
	return p, nil
}

func memoKey(sel Selection, cols Columns, mode Mode) string {
	names := make([]string, 0, len(cols))
	for n := range cols {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(mode.String())
	for _, dim := range [][]string{sel.Admin0, sel.Admin1, sel.Admin2, sel.ISO3} {
		b.WriteByte('\x1e')
		b.WriteString(strings.Join(dim, "\x1f"))
	}
	b.WriteByte('\x1e')
	b.WriteString(strings.Join(names, "\x1f"))
	return b.String()
}
