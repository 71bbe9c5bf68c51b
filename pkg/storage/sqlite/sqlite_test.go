package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semlayer/semlayer/pkg/authcontext"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/storage"
	_ "github.com/semlayer/semlayer/pkg/storage/sqlite"
)

func newSQLiteRouter(t *testing.T, tenantID string) *storage.Router {
	t.Helper()
	r := storage.NewRouter()
	r.RegisterDataSource(tenantID, storage.DataSourceConfig{
		Name: "main",
		Kind: storage.KindSQLite,
		Config: storage.Config{
			URI:          filepath.Join(t.TempDir(), tenantID+".db"),
			MaxOpenConns: 2,
		},
	})
	t.Cleanup(r.Close)
	return r
}

func TestSQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	router := newSQLiteRouter(t, "acme")
	sctx := authcontext.New("acme", "", nil)

	require.NoError(t, router.Exec(ctx, "acme",
		"CREATE TABLE orders (id INTEGER, tenant_id TEXT, status TEXT, amount REAL)", nil))
	for i, status := range []string{"paid", "paid", "open"} {
		require.NoError(t, router.Exec(ctx, "acme",
			"INSERT INTO orders (id, tenant_id, status, amount) VALUES (?, ?, ?, ?)",
			[]any{i + 1, "acme", status, float64(10 * (i + 1))}))
	}
	// A foreign tenant's rows must never be visible through a scoped query.
	require.NoError(t, router.Exec(ctx, "acme",
		"INSERT INTO orders (id, tenant_id, status, amount) VALUES (99, 'globex', 'paid', 1000)", nil))

	t.Run("query_normalizes_columns_and_values", func(t *testing.T) {
		rs, err := router.Execute(ctx, sctx, &compile.CompiledStatement{
			SQL:  "SELECT status AS Orders__Status, COUNT(id) AS n FROM orders WHERE tenant_id = ? GROUP BY status ORDER BY status",
			Args: []any{"acme"},
		})
		require.NoError(t, err)

		require.Equal(t, []string{"orders__status", "n"}, rs.Columns)
		require.Equal(t, [][]any{
			{"open", int64(1)},
			{"paid", int64(2)},
		}, rs.Rows)
	})

	t.Run("bad_sql_is_non_retryable", func(t *testing.T) {
		_, err := router.Execute(ctx, sctx, &compile.CompiledStatement{
			SQL: "SELECT FROM WHERE", Args: nil,
		})
		require.ErrorIs(t, err, storage.ErrNonRetryable)
	})

	t.Run("tx_commits_atomically", func(t *testing.T) {
		err := router.Tx(ctx, "acme", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE tenant_id = 'acme' AND status = 'open'"); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO orders (id, tenant_id, status, amount) VALUES (4, 'acme', 'open', 40)")
			return err
		})
		require.NoError(t, err)

		rs, err := router.Execute(ctx, sctx, &compile.CompiledStatement{
			SQL:  "SELECT COUNT(id) AS n FROM orders WHERE tenant_id = ?",
			Args: []any{"acme"},
		})
		require.NoError(t, err)
		require.Equal(t, [][]any{{int64(3)}}, rs.Rows)
	})

	t.Run("tx_rolls_back_on_error", func(t *testing.T) {
		err := router.Tx(ctx, "acme", func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE tenant_id = 'acme'"); err != nil {
				return err
			}
			return context.Canceled
		})
		require.Error(t, err)

		rs, err := router.Execute(ctx, sctx, &compile.CompiledStatement{
			SQL:  "SELECT COUNT(id) AS n FROM orders WHERE tenant_id = ?",
			Args: []any{"acme"},
		})
		require.NoError(t, err)
		require.Equal(t, [][]any{{int64(3)}}, rs.Rows)
	})

	t.Run("ping_succeeds_on_open_pool", func(t *testing.T) {
		require.NoError(t, router.Ping(ctx))
	})
}
