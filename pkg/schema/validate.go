package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidSchema wraps every validation failure so callers can distinguish
// a rejected reload from I/O problems.
var ErrInvalidSchema = errors.New("invalid schema")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchema, fmt.Sprintf(format, args...))
}

// validateSet checks a complete definition set. Reloads are all-or-nothing:
// one bad cube rejects the whole set.
func validateSet(cubes []CubeDefinition) error {
	byName := make(map[string]*CubeDefinition, len(cubes))
	for i := range cubes {
		c := &cubes[i]
		if c.Name == "" {
			return invalidf("cube at index %d has no name", i)
		}
		if c.Table == "" {
			return invalidf("cube %q has no table", c.Name)
		}
		if _, dup := byName[c.Name]; dup {
			return invalidf("duplicate cube %q", c.Name)
		}
		byName[c.Name] = c
	}

	for _, c := range cubes {
		if err := validateCube(&c, byName); err != nil {
			return err
		}
	}

	return validateJoinDAG(cubes)
}

func validateCube(c *CubeDefinition, byName map[string]*CubeDefinition) error {
	// The set of cube names an expression in this cube may qualify columns with.
	reachable := map[string]struct{}{c.Name: {}}
	for _, j := range c.Joins {
		if j.Cube == "" || j.On == "" {
			return invalidf("cube %q has a join without a target or on expression", c.Name)
		}
		if _, ok := byName[j.Cube]; !ok {
			return invalidf("cube %q joins unknown cube %q", c.Name, j.Cube)
		}
		if j.Cube == c.Name {
			return invalidf("cube %q joins itself", c.Name)
		}
		reachable[j.Cube] = struct{}{}
	}

	seen := map[string]struct{}{}
	for _, d := range c.Dimensions {
		if d.Name == "" || d.SQL == "" {
			return invalidf("cube %q has a dimension without a name or sql expression", c.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return invalidf("cube %q declares %q twice", c.Name, d.Name)
		}
		seen[d.Name] = struct{}{}
		if err := validateExpr(c, d.SQL, reachable, byName); err != nil {
			return fmt.Errorf("%w (dimension %s.%s)", err, c.Name, d.Name)
		}
	}
	for _, m := range c.Measures {
		if m.Name == "" || m.SQL == "" {
			return invalidf("cube %q has a measure without a name or sql expression", c.Name)
		}
		if _, dup := seen[m.Name]; dup {
			return invalidf("cube %q declares %q twice", c.Name, m.Name)
		}
		seen[m.Name] = struct{}{}
		switch m.Agg {
		case AggCount, AggCountDistinct, AggSum, AggAvg, AggMin, AggMax:
		default:
			return invalidf("measure %s.%s has unsupported aggregation %q", c.Name, m.Name, m.Agg)
		}
		if err := validateExpr(c, m.SQL, reachable, byName); err != nil {
			return fmt.Errorf("%w (measure %s.%s)", err, c.Name, m.Name)
		}
	}

	for _, p := range c.PreAggregations {
		if err := validatePreAgg(c, p); err != nil {
			return err
		}
	}

	return nil
}

func validatePreAgg(c *CubeDefinition, p PreAggregation) error {
	if p.Name == "" {
		return invalidf("cube %q has a pre-aggregation without a name", c.Name)
	}
	if !ValidGranularity(p.Granularity) {
		return invalidf("pre-aggregation %s.%s has unsupported granularity %q", c.Name, p.Name, p.Granularity)
	}
	if _, ok := c.Dimension(p.TimeDimension); !ok {
		return invalidf("pre-aggregation %s.%s references unknown time dimension %q", c.Name, p.Name, p.TimeDimension)
	}
	for _, m := range p.Measures {
		mm, ok := c.Measure(m)
		if !ok {
			return invalidf("pre-aggregation %s.%s references unknown measure %q", c.Name, p.Name, m)
		}
		// Partials of avg and countDistinct cannot be re-aggregated from a
		// summary table, so they cannot be materialized.
		if mm.Agg == AggAvg || mm.Agg == AggCountDistinct {
			return invalidf("pre-aggregation %s.%s cannot materialize %s measure %q", c.Name, p.Name, mm.Agg, m)
		}
	}
	for _, d := range p.Dimensions {
		if _, ok := c.Dimension(d); !ok {
			return invalidf("pre-aggregation %s.%s references unknown dimension %q", c.Name, p.Name, d)
		}
	}
	if p.RefreshEvery <= 0 {
		return invalidf("pre-aggregation %s.%s needs a positive refreshEvery interval", c.Name, p.Name)
	}
	return nil
}

// validateExpr checks that every qualified column reference in a SQL
// expression names a cube reachable from c via its declared joins, and that
// the expression does not touch a tenant column. The tenant predicate is the
// compiler's job alone; exposing the column through the schema would let a
// dimension or filter leak tenant identifiers.
func validateExpr(c *CubeDefinition, expr string, reachable map[string]struct{}, byName map[string]*CubeDefinition) error {
	for _, ref := range scanColumnRefs(expr) {
		if ref.table != "" {
			target, ok := byName[ref.table]
			if !ok || !contains(reachable, ref.table) {
				return invalidf("expression %q references cube %q which is not reachable from %q", expr, ref.table, c.Name)
			}
			if ref.column == target.tenantColumn() {
				return invalidf("expression %q references tenant column %q", expr, ref.column)
			}
			continue
		}
		if ref.column == c.tenantColumn() {
			return invalidf("expression %q references tenant column %q", expr, ref.column)
		}
	}
	return nil
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// validateJoinDAG rejects cycles in the directed join graph across the whole
// definition set.
func validateJoinDAG(cubes []CubeDefinition) error {
	edges := make(map[string][]string, len(cubes))
	for _, c := range cubes {
		for _, j := range c.Joins {
			edges[c.Name] = append(edges[c.Name], j.Cube)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(cubes))

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = grey
		for _, next := range edges[name] {
			switch color[next] {
			case grey:
				return invalidf("join cycle involving cubes %q and %q", name, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, c := range cubes {
		if color[c.Name] == white {
			if err := visit(c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

type columnRef struct {
	table  string
	column string
}

// QualifyColumns rewrites every bare column reference in a SQL expression to
// be qualified with the given cube alias, leaving already-qualified
// references, function calls, keywords and string literals alone. The
// compiler uses it so that expressions stay unambiguous once joins are in
// play.
func QualifyColumns(expr, alias string) string {
	var b strings.Builder
	i := 0
	n := len(expr)
	for i < n {
		ch := expr[i]
		switch {
		case ch == '\'':
			start := i
			i++
			for i < n && expr[i] != '\'' {
				i++
			}
			i++
			if i > n {
				i = n
			}
			b.WriteString(expr[start:i])
		case isIdentStart(rune(ch)):
			start := i
			for i < n && isIdentPart(rune(expr[i])) {
				i++
			}
			word := expr[start:i]
			if i < n && expr[i] == '.' {
				// already qualified; consume the column part too
				i++
				for i < n && isIdentPart(rune(expr[i])) {
					i++
				}
				b.WriteString(expr[start:i])
				continue
			}
			if i < n && expr[i] == '(' {
				// function call
				b.WriteString(word)
				continue
			}
			if _, kw := sqlKeywords[strings.ToLower(word)]; kw {
				b.WriteString(word)
				continue
			}
			b.WriteString(alias)
			b.WriteByte('.')
			b.WriteString(word)
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

var sqlKeywords = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "case": {}, "when": {}, "then": {},
	"else": {}, "end": {}, "is": {}, "null": {}, "in": {}, "like": {},
	"between": {}, "true": {}, "false": {}, "distinct": {}, "as": {},
	"cast": {}, "coalesce": {}, "nullif": {}, "lower": {}, "upper": {},
	"concat": {}, "abs": {}, "round": {}, "extract": {}, "interval": {},
}

// scanColumnRefs extracts identifier references from a SQL expression,
// skipping string literals and well-known keywords/functions. Identifiers of
// the form a.b yield a qualified ref; bare identifiers that are immediately
// followed by '(' are treated as function calls and skipped.
func scanColumnRefs(expr string) []columnRef {
	var refs []columnRef
	i := 0
	n := len(expr)
	for i < n {
		ch := expr[i]
		switch {
		case ch == '\'':
			// string literal
			i++
			for i < n && expr[i] != '\'' {
				i++
			}
			i++
		case isIdentStart(rune(ch)):
			start := i
			for i < n && isIdentPart(rune(expr[i])) {
				i++
			}
			first := expr[start:i]
			if i < n && expr[i] == '.' && i+1 < n && isIdentStart(rune(expr[i+1])) {
				i++
				cstart := i
				for i < n && isIdentPart(rune(expr[i])) {
					i++
				}
				refs = append(refs, columnRef{table: first, column: expr[cstart:i]})
				continue
			}
			if i < n && expr[i] == '(' {
				continue // function call
			}
			if _, kw := sqlKeywords[strings.ToLower(first)]; kw {
				continue
			}
			refs = append(refs, columnRef{column: first})
		default:
			i++
		}
	}
	return refs
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
