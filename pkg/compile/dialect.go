package compile

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/semlayer/semlayer/pkg/schema"
)

// Dialect names a supported SQL dialect. It decides placeholder style and
// date-truncation syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Valid reports whether d is a supported dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DialectPostgres, DialectMySQL, DialectSQLite:
		return true
	}
	return false
}

// PlaceholderFormat returns the squirrel placeholder style for the dialect.
func (d Dialect) PlaceholderFormat() sq.PlaceholderFormat {
	if d == DialectPostgres {
		return sq.Dollar
	}
	return sq.Question
}

// DateTrunc renders a date-truncation of expr at the given granularity.
func (d Dialect) DateTrunc(granularity, expr string) (string, error) {
	if !schema.ValidGranularity(granularity) {
		return "", fmt.Errorf("%w: unsupported granularity %q", ErrInvalidQuery, granularity)
	}

	switch d {
	case DialectPostgres:
		return fmt.Sprintf("date_trunc('%s', %s)", granularity, expr), nil
	case DialectMySQL:
		return mysqlDateTrunc(granularity, expr), nil
	case DialectSQLite:
		return sqliteDateTrunc(granularity, expr), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

func mysqlDateTrunc(granularity, expr string) string {
	switch granularity {
	case schema.GranularityHour:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-%%d %%H:00:00')", expr)
	case schema.GranularityDay:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-%%d')", expr)
	case schema.GranularityWeek:
		// truncate to Monday
		return fmt.Sprintf("DATE_SUB(DATE(%s), INTERVAL WEEKDAY(%s) DAY)", expr, expr)
	case schema.GranularityMonth:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-01')", expr)
	default: // year
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-01-01')", expr)
	}
}

func sqliteDateTrunc(granularity, expr string) string {
	switch granularity {
	case schema.GranularityHour:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:00:00', %s)", expr)
	case schema.GranularityDay:
		return fmt.Sprintf("date(%s)", expr)
	case schema.GranularityWeek:
		// truncate to Monday
		return fmt.Sprintf("date(%s, '-' || ((CAST(strftime('%%w', %s) AS INTEGER) + 6) %% 7) || ' days')", expr, expr)
	case schema.GranularityMonth:
		return fmt.Sprintf("strftime('%%Y-%%m-01', %s)", expr)
	default: // year
		return fmt.Sprintf("strftime('%%Y-01-01', %s)", expr)
	}
}

// AggregateExpr renders a measure aggregation over expr.
func AggregateExpr(agg, expr string) (string, error) {
	switch agg {
	case schema.AggCount:
		return fmt.Sprintf("COUNT(%s)", expr), nil
	case schema.AggCountDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s)", expr), nil
	case schema.AggSum:
		return fmt.Sprintf("SUM(%s)", expr), nil
	case schema.AggAvg:
		return fmt.Sprintf("AVG(%s)", expr), nil
	case schema.AggMin:
		return fmt.Sprintf("MIN(%s)", expr), nil
	case schema.AggMax:
		return fmt.Sprintf("MAX(%s)", expr), nil
	default:
		return "", fmt.Errorf("unsupported aggregation %q", agg)
	}
}
