// Package preagg maintains materialized summary tables for common query
// shapes and publishes the metadata the compiler consults when deciding to
// rewrite a query to a summary table. Summaries are deterministic
// re-aggregations of the source cube; dropping and rebuilding one never
// loses information.
package preagg

import (
	"fmt"
	"strings"

	"github.com/semlayer/semlayer/pkg/schema"
)

const (
	// TenantColumn scopes summary rows, same as raw tables.
	TenantColumn = "tenant_id"

	// BucketColumn holds the truncated time bucket of a summary row.
	BucketColumn = "bucket_ts"

	// RunsTable records completed refreshes. Created by the migrate command.
	RunsTable = "semlayer_preagg_runs"
)

// SummaryTableName is the physical table a pre-aggregation materializes into.
func SummaryTableName(cube string, p schema.PreAggregation) string {
	return fmt.Sprintf("preagg_%s_%s", strings.ToLower(cube), strings.ToLower(p.Name))
}

// SummaryColumn maps a measure or dimension field onto its summary column.
func SummaryColumn(field string) string {
	return strings.ToLower(field)
}

// reaggregation maps a source aggregation onto the aggregation that combines
// summary partials. Partial counts are summed; avg and countDistinct are not
// materializable and are rejected at schema load.
func reaggregation(agg string) (string, bool) {
	switch agg {
	case schema.AggCount, schema.AggSum:
		return schema.AggSum, true
	case schema.AggMin:
		return schema.AggMin, true
	case schema.AggMax:
		return schema.AggMax, true
	}
	return "", false
}

// createTableSQL renders the idempotent DDL for a summary table. Generic
// column types keep it portable across the supported engines.
func createTableSQL(table string, p schema.PreAggregation) string {
	var cols []string
	cols = append(cols, TenantColumn+" TEXT NOT NULL")
	cols = append(cols, BucketColumn+" TEXT NOT NULL")
	for _, d := range p.Dimensions {
		cols = append(cols, SummaryColumn(d)+" TEXT")
	}
	for _, m := range p.Measures {
		cols = append(cols, SummaryColumn(m)+" DOUBLE PRECISION")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", "))
}
