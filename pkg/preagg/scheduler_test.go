package preagg

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/semlayer/semlayer/pkg/authcontext"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/schema"
	"github.com/semlayer/semlayer/pkg/storage"
	_ "github.com/semlayer/semlayer/pkg/storage/sqlite"
)

// newSchedulerFixture gives every tenant its own sqlite database file, the
// same tenant-per-database layout the router is built around.
func newSchedulerFixture(t *testing.T, tenants ...string) (*Scheduler, *Store, *storage.Router) {
	t.Helper()
	store, registry := storeFixture(t)
	dir := t.TempDir()
	router := storage.NewRouter()
	for _, tenant := range tenants {
		router.RegisterDataSource(tenant, storage.DataSourceConfig{
			Name: "warehouse",
			Kind: storage.KindSQLite,
			Config: storage.Config{
				URI:          filepath.Join(dir, tenant+".db"),
				MaxOpenConns: 2,
			},
		})
	}
	t.Cleanup(router.Close)
	compiler := compile.NewCompiler(registry)
	return NewScheduler(registry, compiler, router, store), store, router
}

func dailyPreAgg(t *testing.T, s *Scheduler) schema.PreAggregation {
	t.Helper()
	cube, err := s.registry.GetCube("Orders")
	require.NoError(t, err)
	return cube.PreAggregations[0]
}

func seedOrders(t *testing.T, router *storage.Router, tenantID string, rows [][]any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, router.Exec(ctx, tenantID,
		"CREATE TABLE orders (id INTEGER, tenant_id TEXT, status TEXT, amount REAL, created_at TEXT)", nil))
	for _, row := range rows {
		require.NoError(t, router.Exec(ctx, tenantID,
			"INSERT INTO orders (id, tenant_id, status, amount, created_at) VALUES (?, ?, ?, ?, ?)", row))
	}
}

func readSummary(t *testing.T, router *storage.Router, tenantID string) [][]any {
	t.Helper()
	rs, err := router.Execute(context.Background(), authcontext.New(tenantID, "", nil), &compile.CompiledStatement{
		SQL:  "SELECT tenant_id, bucket_ts, status, count, revenue FROM preagg_orders_daily WHERE tenant_id = ? ORDER BY bucket_ts, status",
		Args: []any{tenantID},
	})
	require.NoError(t, err)
	return rs.Rows
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	sched, store, router := newSchedulerFixture(t, "acme", "globex")
	p := dailyPreAgg(t, sched)

	seedOrders(t, router, "acme", [][]any{
		{1, "acme", "open", 10.0, "2026-01-01 10:00:00"},
		{2, "acme", "open", 15.0, "2026-01-01 12:00:00"},
		{3, "acme", "paid", 5.0, "2026-01-01 09:00:00"},
		{4, "acme", "open", 7.0, "2026-01-02 08:00:00"},
		// A foreign tenant's rows sharing the table must not leak into
		// the summary: the source read carries the tenant predicate.
		{99, "globex", "open", 1000.0, "2026-01-01 10:00:00"},
	})
	seedOrders(t, router, "globex", [][]any{
		{1, "globex", "open", 100.0, "2026-01-01 11:00:00"},
	})

	t.Run("summary_matches_reaggregated_source", func(t *testing.T) {
		require.NoError(t, sched.Refresh(ctx, "Orders", p, "acme"))

		require.Equal(t, [][]any{
			{"acme", "2026-01-01", "open", 2.0, 25.0},
			{"acme", "2026-01-01", "paid", 1.0, 5.0},
			{"acme", "2026-01-02", "open", 1.0, 7.0},
		}, readSummary(t, router, "acme"))

		_, ok := store.LastRefreshed("Orders", "daily", "acme")
		require.True(t, ok)
		_, ok = store.Match("acme", "Orders", []string{"count", "revenue"}, []string{"status"}, "createdAt", "day")
		require.True(t, ok)
	})

	t.Run("refresh_replaces_the_partition", func(t *testing.T) {
		require.NoError(t, router.Exec(ctx, "acme",
			"INSERT INTO orders (id, tenant_id, status, amount, created_at) VALUES (5, 'acme', 'open', 3, '2026-01-02 09:00:00')", nil))
		require.NoError(t, sched.Refresh(ctx, "Orders", p, "acme"))

		require.Equal(t, [][]any{
			{"acme", "2026-01-01", "open", 2.0, 25.0},
			{"acme", "2026-01-01", "paid", 1.0, 5.0},
			{"acme", "2026-01-02", "open", 2.0, 10.0},
		}, readSummary(t, router, "acme"))
	})

	t.Run("partitions_refresh_independently", func(t *testing.T) {
		require.NoError(t, sched.Refresh(ctx, "Orders", p, "globex"))

		require.Equal(t, [][]any{
			{"globex", "2026-01-01", "open", 1.0, 100.0},
		}, readSummary(t, router, "globex"))
		require.Len(t, readSummary(t, router, "acme"), 3)
	})
}

// floatRows widens integer cells so counts read back from the raw source
// (int64) compare against counts re-summed from the summary's REAL columns.
func floatRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, v := range row {
			if n, ok := v.(int64); ok {
				out[i][j] = float64(n)
			} else {
				out[i][j] = v
			}
		}
	}
	return out
}

func TestSummaryAnswersMatchRawSource(t *testing.T) {
	ctx := context.Background()
	sched, store, router := newSchedulerFixture(t, "acme")
	p := dailyPreAgg(t, sched)

	seedOrders(t, router, "acme", [][]any{
		{1, "acme", "open", 10.0, "2026-01-01 09:00:00"},
		{2, "acme", "open", 15.0, "2026-01-01 12:00:00"},
		{3, "acme", "paid", 5.0, "2026-01-02 08:00:00"},
		{4, "acme", "open", 7.0, "2026-01-03 10:00:00"},
	})
	require.NoError(t, sched.Refresh(ctx, "Orders", p, "acme"))

	compiler := compile.NewCompiler(sched.registry, compile.WithPreAggregations(store))
	sctx := authcontext.New("acme", "", nil)

	run := func(t *testing.T, dateRange []string, opts ...compile.CompileOption) (*compile.CompiledStatement, [][]any) {
		t.Helper()
		stmt, err := compiler.Compile(ctx, compile.Query{
			Measures:   []string{"Orders.count"},
			Dimensions: []string{"Orders.status"},
			TimeDimensions: []compile.TimeDimension{{
				Dimension: "Orders.createdAt", Granularity: "day", DateRange: dateRange,
			}},
		}, sctx, compile.DialectSQLite, opts...)
		require.NoError(t, err)
		rs, err := router.Execute(ctx, sctx, stmt)
		require.NoError(t, err)
		return stmt, floatRows(rs.Rows)
	}

	t.Run("aligned_range_served_from_summary", func(t *testing.T) {
		dateRange := []string{"2026-01-01", "2026-01-03"}

		rewritten, gotSummary := run(t, dateRange)
		require.True(t, rewritten.FromPreAggregation)

		raw, gotRaw := run(t, dateRange, compile.WithoutPreAggRewrite())
		require.False(t, raw.FromPreAggregation)

		require.ElementsMatch(t, [][]any{
			{"open", "2026-01-01", 2.0},
			{"paid", "2026-01-02", 1.0},
		}, gotSummary)
		require.ElementsMatch(t, gotRaw, gotSummary)
	})

	t.Run("misaligned_range_served_from_raw_source", func(t *testing.T) {
		// A range starting mid-day can not be answered from day buckets
		// without dropping partial-bucket rows.
		dateRange := []string{"2026-01-01 10:00:00", "2026-01-02 23:59:59"}

		stmt, got := run(t, dateRange)
		require.False(t, stmt.FromPreAggregation)

		require.ElementsMatch(t, [][]any{
			{"open", "2026-01-01", 1.0},
			{"paid", "2026-01-02", 1.0},
		}, got)
	})
}

func TestRefreshAllRecordsFailures(t *testing.T) {
	ctx := context.Background()
	sched, store, router := newSchedulerFixture(t, "acme", "initech")
	p := dailyPreAgg(t, sched)

	// initech's database has no orders table, so its refresh fails while
	// acme's still completes.
	seedOrders(t, router, "acme", [][]any{
		{1, "acme", "open", 10.0, "2026-01-01 10:00:00"},
	})

	sched.RefreshAll(ctx, "Orders", p)

	_, ok := store.LastRefreshed("Orders", "daily", "acme")
	require.True(t, ok)
	_, ok = store.LastRefreshed("Orders", "daily", "initech")
	require.False(t, ok)
	_, ok = store.Match("initech", "Orders", []string{"count"}, nil, "createdAt", "day")
	require.False(t, ok)
}

func TestRunDrainsOnCancel(t *testing.T) {
	leakCheck := goleak.IgnoreCurrent()

	store, registry := storeFixture(t)
	router := storage.NewRouter()
	router.RegisterDataSource("acme", storage.DataSourceConfig{
		Name: "warehouse",
		Kind: storage.KindSQLite,
		Config: storage.Config{
			URI:          filepath.Join(t.TempDir(), "acme.db"),
			MaxOpenConns: 2,
		},
	})
	seedOrders(t, router, "acme", [][]any{
		{1, "acme", "open", 10.0, "2026-01-01 10:00:00"},
	})
	sched := NewScheduler(registry, compile.NewCompiler(registry), router, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, ok := store.LastRefreshed("Orders", "daily", "acme")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not drain after cancellation")
	}

	router.Close()
	goleak.VerifyNone(t, leakCheck)
}
