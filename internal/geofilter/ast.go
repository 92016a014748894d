package geofilter

import (
	"fmt"
	"strings"
)

// Clause is one column constraint in a compiled predicate. Clauses render to
// SQL text deterministically and can be evaluated directly against a row.
type Clause interface {
	writeSQL(b *strings.Builder)
	Eval(row map[string]any) bool
}

type trueClause struct{}

func (trueClause) writeSQL(b *strings.Builder) { b.WriteString("TRUE") }
func (trueClause) Eval(map[string]any) bool    { return true }

// True is the no-constraint clause.
func True() Clause { return trueClause{} }

type inFold struct {
	col    string
	values []string // lowercased, input order preserved
}

// In builds a case-insensitive IN constraint over string values.
func In(col string, values []string) Clause {
	vals := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			vals = append(vals, strings.ToLower(v))
		}
	}
	if len(vals) == 0 {
		return trueClause{}
	}
	return inFold{col: col, values: vals}
}

func (c inFold) writeSQL(b *strings.Builder) {
	b.WriteString("LOWER(")
	b.WriteString(c.col)
	b.WriteString(") IN (")
	for i, v := range c.values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteLiteral(v))
	}
	b.WriteString(")")
}

func (c inFold) Eval(row map[string]any) bool {
	s, ok := fieldString(row[c.col])
	if !ok {
		return false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	for _, v := range c.values {
		if s == v {
			return true
		}
	}
	return false
}

type eqFold struct {
	col   string
	value string
}

// Eq builds a case-insensitive equality constraint.
func Eq(col, value string) Clause {
	return eqFold{col: col, value: strings.ToLower(strings.TrimSpace(value))}
}

func (c eqFold) writeSQL(b *strings.Builder) {
	b.WriteString("LOWER(")
	b.WriteString(c.col)
	b.WriteString(") = ")
	b.WriteString(quoteLiteral(c.value))
}

func (c eqFold) Eval(row map[string]any) bool {
	s, ok := fieldString(row[c.col])
	if !ok {
		return false
	}
	return strings.ToLower(strings.TrimSpace(s)) == c.value
}

type isNull struct{ col string }

func IsNull(col string) Clause { return isNull{col: col} }

func (c isNull) writeSQL(b *strings.Builder) {
	b.WriteString(c.col)
	b.WriteString(" IS NULL")
}

func (c isNull) Eval(row map[string]any) bool {
	_, ok := fieldString(row[c.col])
	return !ok
}

type notNull struct{ col string }

func NotNull(col string) Clause { return notNull{col: col} }

func (c notNull) writeSQL(b *strings.Builder) {
	b.WriteString(c.col)
	b.WriteString(" IS NOT NULL")
}

func (c notNull) Eval(row map[string]any) bool {
	_, ok := fieldString(row[c.col])
	return ok
}

type anyOf struct{ clauses []Clause }

// Or builds a disjunction of clauses.
func Or(clauses ...Clause) Clause {
	if len(clauses) == 1 {
		return clauses[0]
	}
	return anyOf{clauses: clauses}
}

func (c anyOf) writeSQL(b *strings.Builder) {
	b.WriteString("(")
	for i, cl := range c.clauses {
		if i > 0 {
			b.WriteString(" OR ")
		}
		cl.writeSQL(b)
	}
	b.WriteString(")")
}

func (c anyOf) Eval(row map[string]any) bool {
	for _, cl := range c.clauses {
		if cl.Eval(row) {
			return true
		}
	}
	return false
}

// Predicate is an ordered conjunction of clauses. An empty predicate is TRUE.
type Predicate struct {
	clauses []Clause
}

// And builds a predicate from an ordered list of conjunct clauses.
func And(clauses ...Clause) Predicate {
	out := make([]Clause, 0, len(clauses))
	for _, c := range clauses {
		if c == nil {
			continue
		}
		if _, ok := c.(trueClause); ok {
			continue
		}
		out = append(out, c)
	}
	return Predicate{clauses: out}
}

// With returns a new predicate extended with extra conjuncts. The receiver is
// not modified.
func (p Predicate) With(extra ...Clause) Predicate {
	out := make([]Clause, 0, len(p.clauses)+len(extra))
	out = append(out, p.clauses...)
	for _, c := range extra {
		if c == nil {
			continue
		}
		if _, ok := c.(trueClause); ok {
			continue
		}
		out = append(out, c)
	}
	return Predicate{clauses: out}
}

// SQL renders the predicate as deterministic SQL text. Structurally equal
// predicates always render byte-identically.
func (p Predicate) SQL() string {
	if len(p.clauses) == 0 {
		return "TRUE"
	}
	var b strings.Builder
	for i, c := range p.clauses {
		if i > 0 {
			b.WriteString(" AND ")
		}
		c.writeSQL(&b)
	}
	return b.String()
}

// Eval applies the predicate to a row keyed by column name.
func (p Predicate) Eval(row map[string]any) bool {
	for _, c := range p.clauses {
		if !c.Eval(row) {
			return false
		}
	}
	return true
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// fieldString reports the string form of a row value; nil and empty string
// are treated as SQL NULL.
func fieldString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case []byte:
		if len(t) == 0 {
			return "", false
		}
		return string(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}
