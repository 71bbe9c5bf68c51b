// Package schema holds the declarative cube definitions the compiler works
// from: measures, dimensions, joins and the physical table mapping of every
// tenant-scoped entity. Definitions are loaded from YAML, validated, and
// served from an atomically swapped registry.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"sigs.k8s.io/yaml"
)

// Aggregation types allowed on a measure.
const (
	AggCount         = "count"
	AggCountDistinct = "countDistinct"
	AggSum           = "sum"
	AggAvg           = "avg"
	AggMin           = "min"
	AggMax           = "max"
)

// Granularities accepted on time dimensions and pre-aggregations.
const (
	GranularityHour  = "hour"
	GranularityDay   = "day"
	GranularityWeek  = "week"
	GranularityMonth = "month"
	GranularityYear  = "year"
)

// DefaultTenantColumn is the column that scopes rows to a tenant unless a
// cube overrides it.
const DefaultTenantColumn = "tenant_id"

// Dimension is a groupable, filterable attribute of a cube.
type Dimension struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
	// Type is one of string, number, time, boolean.
	Type string `json:"type"`
}

// Measure is an aggregatable numeric field of a cube.
type Measure struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
	Agg  string `json:"agg"`
}

// Join declares how a cube reaches another cube. The On expression references
// columns qualified by cube name, e.g. "orders.customer_id = customers.id".
type Join struct {
	Cube         string `json:"cube"`
	Relationship string `json:"relationship"`
	On           string `json:"on"`
}

// CachePolicy configures result caching per cube. A zero StaleWhileRevalidate
// means hard TTL expiry only. Durations are Go duration strings in YAML.
type CachePolicy struct {
	TTL                  time.Duration `json:"-"`
	StaleWhileRevalidate time.Duration `json:"-"`
}

func (p *CachePolicy) UnmarshalJSON(data []byte) error {
	var raw struct {
		TTL                  string `json:"ttl"`
		StaleWhileRevalidate string `json:"staleWhileRevalidate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var err error
	if p.TTL, err = parseDuration(raw.TTL); err != nil {
		return fmt.Errorf("cache ttl: %w", err)
	}
	if p.StaleWhileRevalidate, err = parseDuration(raw.StaleWhileRevalidate); err != nil {
		return fmt.Errorf("cache staleWhileRevalidate: %w", err)
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// PreAggregation declares a summary table the scheduler maintains for a cube.
// RefreshEvery is a Go duration string in YAML.
type PreAggregation struct {
	Name          string        `json:"name"`
	TimeDimension string        `json:"timeDimension"`
	Granularity   string        `json:"granularity"`
	Measures      []string      `json:"measures"`
	Dimensions    []string      `json:"dimensions"`
	RefreshEvery  time.Duration `json:"-"`
	// MaxFailures is the number of consecutive refresh failures after which
	// the pre-aggregation is withdrawn as a rewrite target.
	MaxFailures int `json:"maxFailures"`
}

func (p *PreAggregation) UnmarshalJSON(data []byte) error {
	type plain PreAggregation
	var raw struct {
		plain
		RefreshEvery string `json:"refreshEvery"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PreAggregation(raw.plain)
	var err error
	if p.RefreshEvery, err = parseDuration(raw.RefreshEvery); err != nil {
		return fmt.Errorf("pre-aggregation %q refreshEvery: %w", p.Name, err)
	}
	return nil
}

// CubeDefinition is one semantic entity. It is immutable once loaded into a
// registry; reloads swap whole definition sets.
type CubeDefinition struct {
	Name string `json:"name"`

	// Table is the physical source table. It may contain the literal
	// placeholder {tenant} for tenant-parameterized table names.
	Table string `json:"table"`

	// TenantColumn scopes rows to a tenant. Defaults to tenant_id.
	TenantColumn string `json:"tenantColumn"`

	Dimensions []Dimension `json:"dimensions"`
	Measures   []Measure   `json:"measures"`
	Joins      []Join      `json:"joins"`

	Cache           *CachePolicy     `json:"cache"`
	PreAggregations []PreAggregation `json:"preAggregations"`
}

func (c *CubeDefinition) tenantColumn() string {
	if c.TenantColumn != "" {
		return c.TenantColumn
	}
	return DefaultTenantColumn
}

// TenantColumnName returns the effective tenant column for the cube.
func (c *CubeDefinition) TenantColumnName() string { return c.tenantColumn() }

// Dimension returns the named dimension, if declared.
func (c *CubeDefinition) Dimension(name string) (Dimension, bool) {
	for _, d := range c.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Measure returns the named measure, if declared.
func (c *CubeDefinition) Measure(name string) (Measure, bool) {
	for _, m := range c.Measures {
		if m.Name == name {
			return m, true
		}
	}
	return Measure{}, false
}

// ParseCubes decodes a YAML document of the form {cubes: [...]}.
func ParseCubes(data []byte) ([]CubeDefinition, error) {
	var doc struct {
		Cubes []CubeDefinition `json:"cubes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return doc.Cubes, nil
}

// ValidGranularity reports whether g names a supported time granularity.
func ValidGranularity(g string) bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth, GranularityYear:
		return true
	}
	return false
}
