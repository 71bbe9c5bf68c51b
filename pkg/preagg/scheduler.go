package preagg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/internal/build"
	"github.com/semlayer/semlayer/pkg/authcontext"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/logger"
	"github.com/semlayer/semlayer/pkg/schema"
	"github.com/semlayer/semlayer/pkg/storage"
)

var tracer = otel.Tracer("pkg/preagg")

var refreshesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "preagg_refreshes_total",
	Help:      "The total number of pre-aggregation refreshes by outcome.",
}, []string{"status"})

const (
	// refreshRowLimit caps how many summary rows one refresh materializes.
	refreshRowLimit = 1_000_000

	insertBatchSize = 500
)

// Scheduler periodically rebuilds summary tables, one background loop per
// pre-aggregation definition. It runs off the request path and takes no lock
// a foreground request waits on; freshness is published through the Store.
type Scheduler struct {
	registry *schema.Registry
	compiler *compile.Compiler
	router   *storage.Router
	store    *Store
	logger   logger.Logger
}

type SchedulerOption func(*Scheduler)

func WithLogger(l logger.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func NewScheduler(registry *schema.Registry, compiler *compile.Compiler, router *storage.Router, store *Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry: registry,
		compiler: compiler,
		router:   router,
		store:    store,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewNoopLogger()
	}
	return s
}

// Run starts one refresh loop per definition in the active schema and blocks
// until ctx is cancelled and every loop has drained. Definitions added by a
// later schema reload are picked up on restart.
func (s *Scheduler) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for cubeName, cube := range s.registry.Cubes() {
		for _, p := range cube.PreAggregations {
			cubeName, p := cubeName, p
			wg.Go(func() {
				s.loop(ctx, cubeName, p)
			})
		}
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, cube string, p schema.PreAggregation) {
	ticker := time.NewTicker(p.RefreshEvery)
	defer ticker.Stop()

	s.RefreshAll(ctx, cube, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshAll(ctx, cube, p)
		}
	}
}

// RefreshAll refreshes the definition's partition for every registered
// tenant. A failed tenant partition does not stop the others.
func (s *Scheduler) RefreshAll(ctx context.Context, cube string, p schema.PreAggregation) {
	for _, tenantID := range s.router.Tenants() {
		if ctx.Err() != nil {
			return
		}
		if err := s.Refresh(ctx, cube, p, tenantID); err != nil {
			refreshesCounter.WithLabelValues("failure").Inc()
			s.store.RecordFailure(cube, p.Name, tenantID)
			s.logger.Error("pre-aggregation refresh failed",
				zap.String("cube", cube),
				zap.String("pre_aggregation", p.Name),
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		refreshesCounter.WithLabelValues("success").Inc()
	}
}

// Refresh rebuilds one tenant partition of a summary table. The summary
// query goes through the regular compiler and router, so the tenant
// predicate applies to the source read, and the partition is replaced inside
// a transaction so readers never observe a half-filled window.
func (s *Scheduler) Refresh(ctx context.Context, cube string, p schema.PreAggregation, tenantID string) error {
	ctx, span := tracer.Start(ctx, "preagg.Refresh")
	defer span.End()

	sctx := authcontext.New(tenantID, "preagg-scheduler", []string{"system"})

	dialect, err := s.router.DialectFor(tenantID)
	if err != nil {
		return err
	}

	q := compile.Query{
		Dimensions: prefixed(cube, p.Dimensions),
		Measures:   prefixed(cube, p.Measures),
		TimeDimensions: []compile.TimeDimension{{
			Dimension:   cube + "." + p.TimeDimension,
			Granularity: p.Granularity,
		}},
		Limit: refreshRowLimit,
	}

	stmt, err := s.compiler.Compile(ctx, q, sctx, dialect, compile.WithoutPreAggRewrite())
	if err != nil {
		return fmt.Errorf("compile summary query: %w", err)
	}

	rows, err := s.router.Execute(ctx, sctx, stmt)
	if err != nil {
		return fmt.Errorf("execute summary query: %w", err)
	}

	table := SummaryTableName(cube, p)
	if err := s.router.Exec(ctx, tenantID, createTableSQL(table, p), nil); err != nil {
		return fmt.Errorf("ensure summary table: %w", err)
	}

	columns, picker, err := summaryRowMapping(stmt, rows, p)
	if err != nil {
		return err
	}

	err = s.router.Tx(ctx, tenantID, func(tx *sql.Tx) error {
		deleteSQL, deleteArgs, err := sq.StatementBuilder.
			PlaceholderFormat(dialect.PlaceholderFormat()).
			Delete(table).
			Where(sq.Eq{TenantColumn: tenantID}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteSQL, deleteArgs...); err != nil {
			return err
		}

		for start := 0; start < len(rows.Rows); start += insertBatchSize {
			end := start + insertBatchSize
			if end > len(rows.Rows) {
				end = len(rows.Rows)
			}
			insert := sq.StatementBuilder.
				PlaceholderFormat(dialect.PlaceholderFormat()).
				Insert(table).
				Columns(columns...)
			for _, row := range rows.Rows[start:end] {
				insert = insert.Values(picker(tenantID, row)...)
			}
			insertSQL, insertArgs, err := insert.ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace summary partition: %w", err)
	}

	refreshedAt := time.Now().UTC()
	s.store.RecordSuccess(cube, p.Name, tenantID, refreshedAt)
	s.recordRun(ctx, dialect, cube, p, tenantID, table, refreshedAt, len(rows.Rows))

	s.logger.Info("pre-aggregation refreshed",
		zap.String("cube", cube),
		zap.String("pre_aggregation", p.Name),
		zap.String("tenant_id", tenantID),
		zap.Int("rows", len(rows.Rows)),
	)
	return nil
}

// recordRun persists a refresh audit row. Best effort: the runs table only
// exists once migrations ran, and a miss must not fail the refresh.
func (s *Scheduler) recordRun(ctx context.Context, dialect compile.Dialect, cube string, p schema.PreAggregation, tenantID, table string, at time.Time, rowCount int) {
	insertSQL, args, err := sq.StatementBuilder.
		PlaceholderFormat(dialect.PlaceholderFormat()).
		Insert(RunsTable).
		Columns("id", "cube_name", "preagg_name", "tenant_id", "summary_table", "row_count", "refreshed_at").
		Values(ulid.Make().String(), cube, p.Name, tenantID, table, rowCount, at.Format(time.RFC3339)).
		ToSql()
	if err != nil {
		return
	}
	if err := s.router.Exec(ctx, tenantID, insertSQL, args); err != nil {
		s.logger.Debug("recording pre-aggregation run skipped", zap.Error(err))
	}
}

// summaryRowMapping binds the compiled statement's output columns onto the
// summary table's columns and returns a picker that reorders one result row
// into insert values, prepending the tenant id.
func summaryRowMapping(stmt *compile.CompiledStatement, rows *storage.ResultSet, p schema.PreAggregation) ([]string, func(tenantID string, row []any) []any, error) {
	index := make(map[string]int, len(rows.Columns))
	for i, c := range rows.Columns {
		index[c] = i
	}

	aliasFor := make(map[string]string, len(stmt.Columns))
	for _, col := range stmt.Columns {
		_, field, _ := strings.Cut(col.Member, ".")
		aliasFor[field] = col.Alias
	}

	columns := []string{TenantColumn, BucketColumn}
	var srcIdx []int

	bucketAlias, ok := aliasFor[p.TimeDimension]
	if !ok {
		return nil, nil, fmt.Errorf("summary query is missing time dimension %q", p.TimeDimension)
	}
	pos, ok := index[bucketAlias]
	if !ok {
		return nil, nil, fmt.Errorf("summary result is missing column %q", bucketAlias)
	}
	srcIdx = append(srcIdx, pos)

	for _, field := range append(append([]string(nil), p.Dimensions...), p.Measures...) {
		alias, ok := aliasFor[field]
		if !ok {
			return nil, nil, fmt.Errorf("summary query is missing field %q", field)
		}
		pos, ok := index[alias]
		if !ok {
			return nil, nil, fmt.Errorf("summary result is missing column %q", alias)
		}
		columns = append(columns, SummaryColumn(field))
		srcIdx = append(srcIdx, pos)
	}

	picker := func(tenantID string, row []any) []any {
		out := make([]any, 0, len(srcIdx)+1)
		out = append(out, tenantID)
		for _, i := range srcIdx {
			out = append(out, row[i])
		}
		return out
	}
	return columns, picker, nil
}

func prefixed(cube string, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, cube+"."+f)
	}
	return out
}
