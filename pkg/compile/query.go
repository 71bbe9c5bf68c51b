// Package compile turns declarative analytical queries into dialect-specific
// SQL. Every statement it emits carries a tenant predicate on every table it
// touches; that predicate is injected unconditionally from the caller's
// SecurityContext and can not be disabled or overridden through the query.
package compile

import (
	"errors"
	"fmt"
	"strings"
)

// Filter operators accepted on dimension filters.
const (
	OpEquals    = "equals"
	OpNotEquals = "notEquals"
	OpIn        = "in"
	OpContains  = "contains"
	OpGt        = "gt"
	OpGte       = "gte"
	OpLt        = "lt"
	OpLte       = "lte"
	OpSet       = "set"
	OpNotSet    = "notSet"
)

// Filter is one predicate on a dimension member.
type Filter struct {
	Member   string   `json:"dimension"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// TimeDimension selects a time dimension member at a granularity, optionally
// restricted to a date range of the form [from, to].
type TimeDimension struct {
	Dimension   string   `json:"dimension"`
	Granularity string   `json:"granularity"`
	DateRange   []string `json:"dateRange"`
}

// Order is one member plus direction ("asc" or "desc").
type Order struct {
	Member    string `json:"member"`
	Direction string `json:"direction"`
}

// Query is the declarative request shape: measures and dimensions are
// member references of the form "Cube.field".
type Query struct {
	Measures       []string        `json:"measures"`
	Dimensions     []string        `json:"dimensions"`
	TimeDimensions []TimeDimension `json:"timeDimensions"`
	Filters        []Filter        `json:"filters"`
	Order          []Order         `json:"order"`
	Limit          int             `json:"limit"`
}

// Compile error taxonomy. Callers match with errors.Is.
var (
	// ErrUnknownField is returned when a member reference does not resolve
	// against the active schema.
	ErrUnknownField = errors.New("unknown field")

	// ErrNoJoinPath is returned when referenced cubes have no connecting
	// join path.
	ErrNoJoinPath = errors.New("no join path between cubes")

	// ErrIllegalTenantOverride is returned when a query attempts to filter,
	// group or order by a tenant column. Tenant scoping comes exclusively
	// from the SecurityContext.
	ErrIllegalTenantOverride = errors.New("illegal tenant override")

	// ErrInvalidQuery covers structurally invalid requests (no members, bad
	// operator, malformed date range).
	ErrInvalidQuery = errors.New("invalid query")
)

// member is a parsed "Cube.field" reference.
type member struct {
	cube  string
	field string
}

func (m member) String() string {
	if m.cube == "" {
		return m.field
	}
	return m.cube + "." + m.field
}

func parseMember(ref string) (member, error) {
	cube, field, found := strings.Cut(ref, ".")
	if !found {
		return member{field: ref}, nil
	}
	if cube == "" || field == "" || strings.Contains(field, ".") {
		return member{}, fmt.Errorf("%w: malformed member reference %q", ErrInvalidQuery, ref)
	}
	return member{cube: cube, field: field}, nil
}

// columnAlias renders a member reference as a SQL-safe output column alias.
func columnAlias(ref string) string {
	return strings.ToLower(strings.ReplaceAll(ref, ".", "__"))
}

func validOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpIn, OpContains, OpGt, OpGte, OpLt, OpLte, OpSet, OpNotSet:
		return true
	}
	return false
}
