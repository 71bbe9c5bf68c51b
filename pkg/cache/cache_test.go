package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/semlayer/semlayer/pkg/storage"
)

func testRows(marker string) *storage.ResultSet {
	return &storage.ResultSet{Columns: []string{"v"}, Rows: [][]any{{marker}}}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(m.Stop)
	return m
}

func TestGetOrCompute(t *testing.T) {
	ctx := context.Background()
	policy := Policy{TTL: time.Minute}

	t.Run("miss_computes_then_hit_serves_from_cache", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "q1"}

		var calls atomic.Int32
		compute := func(ctx context.Context) (*storage.ResultSet, error) {
			calls.Add(1)
			return testRows("a"), nil
		}

		rows, served, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)
		require.False(t, served)
		require.Equal(t, [][]any{{"a"}}, rows.Rows)

		rows, served, err = m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)
		require.True(t, served)
		require.Equal(t, [][]any{{"a"}}, rows.Rows)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("concurrent_misses_share_one_computation", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "q2"}

		var calls atomic.Int32
		release := make(chan struct{})
		compute := func(ctx context.Context) (*storage.ResultSet, error) {
			calls.Add(1)
			<-release
			return testRows("shared"), nil
		}

		const n = 16
		var wg sync.WaitGroup
		results := make([]*storage.ResultSet, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _, errs[i] = m.GetOrCompute(ctx, key, policy, compute)
			}(i)
		}

		// Let every goroutine reach the singleflight gate before releasing.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		require.Equal(t, int32(1), calls.Load())
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, [][]any{{"shared"}}, results[i].Rows)
		}
	})

	t.Run("caller_deadline_unblocks_without_stopping_computation", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "q3"}

		started := make(chan struct{})
		release := make(chan struct{})
		compute := func(ctx context.Context) (*storage.ResultSet, error) {
			close(started)
			<-release
			return testRows("slow"), nil
		}

		callerCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-started
			cancel()
		}()

		_, _, err := m.GetOrCompute(callerCtx, key, policy, compute)
		require.ErrorIs(t, err, context.Canceled)

		// The shared computation keeps running and lands in the cache.
		close(release)
		require.Eventually(t, func() bool {
			return m.StateOf(key, policy) == StateFresh
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("failure_propagates_wrapped", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "q4"}

		boom := errors.New("connection refused")
		_, _, err := m.GetOrCompute(ctx, key, policy, func(ctx context.Context) (*storage.ResultSet, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, ErrComputeFailed)
		require.ErrorIs(t, err, boom)
		require.Equal(t, StateAbsent, m.StateOf(key, policy))
	})
}

func TestStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	policy := Policy{TTL: 30 * time.Millisecond, StaleWhileRevalidate: 10 * time.Second}

	t.Run("stale_entry_served_while_refreshing", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "swr1"}

		var calls atomic.Int32
		compute := func(ctx context.Context) (*storage.ResultSet, error) {
			if calls.Add(1) == 1 {
				return testRows("old"), nil
			}
			return testRows("new"), nil
		}

		_, _, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		require.Equal(t, StateStale, m.StateOf(key, policy))

		rows, served, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)
		require.True(t, served)
		require.Equal(t, [][]any{{"old"}}, rows.Rows)

		// The background refresh replaces the entry.
		require.Eventually(t, func() bool {
			rows, served, err := m.GetOrCompute(ctx, key, policy, compute)
			return err == nil && served && rows.Rows[0][0] == "new"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("failed_refresh_keeps_previous_value", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "swr2"}

		var calls atomic.Int32
		compute := func(ctx context.Context) (*storage.ResultSet, error) {
			if calls.Add(1) == 1 {
				return testRows("keep"), nil
			}
			return nil, errors.New("backend down")
		}

		_, _, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)

		rows, served, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)
		require.True(t, served)
		require.Equal(t, [][]any{{"keep"}}, rows.Rows)

		// Once the failed refresh settles the entry is stale again, still
		// holding the previous value.
		require.Eventually(t, func() bool {
			return m.StateOf(key, policy) == StateStale
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("hard_ttl_blocks_on_recompute", func(t *testing.T) {
		m := newTestManager(t)
		hard := Policy{TTL: 20 * time.Millisecond}
		key := Key{TenantID: "acme", Fingerprint: "swr3"}

		var calls atomic.Int32
		compute := func(ctx context.Context) (*storage.ResultSet, error) {
			calls.Add(1)
			return testRows("v"), nil
		}

		_, _, err := m.GetOrCompute(ctx, key, hard, compute)
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)

		_, served, err := m.GetOrCompute(ctx, key, hard, compute)
		require.NoError(t, err)
		require.False(t, served)
		require.Equal(t, int32(2), calls.Load())
	})
}

func TestInvalidation(t *testing.T) {
	ctx := context.Background()
	policy := Policy{TTL: time.Minute}
	compute := func(ctx context.Context) (*storage.ResultSet, error) {
		return testRows("x"), nil
	}

	t.Run("invalidate_single_key", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "inv1"}
		_, _, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)

		m.Invalidate(key)
		require.Equal(t, StateAbsent, m.StateOf(key, policy))
	})

	t.Run("invalidate_tenant_leaves_other_tenants", func(t *testing.T) {
		m := newTestManager(t)
		acme := Key{TenantID: "acme", Fingerprint: "inv2"}
		globex := Key{TenantID: "globex", Fingerprint: "inv2"}
		for _, k := range []Key{acme, globex} {
			_, _, err := m.GetOrCompute(ctx, k, policy, compute)
			require.NoError(t, err)
		}

		m.InvalidateTenant("acme")
		require.Equal(t, StateAbsent, m.StateOf(acme, policy))
		require.Equal(t, StateFresh, m.StateOf(globex, policy))
	})

	t.Run("clear_drops_everything", func(t *testing.T) {
		m := newTestManager(t)
		key := Key{TenantID: "acme", Fingerprint: "inv3"}
		_, _, err := m.GetOrCompute(ctx, key, policy, compute)
		require.NoError(t, err)

		m.Clear()
		require.Equal(t, StateAbsent, m.StateOf(key, policy))
	})
}
