// Package cache serves repeated query results and collapses duplicate
// concurrent work: for any one fingerprint there is never more than one
// in-flight computation against the backing database. Entries move through
// an explicit state machine (absent, fresh, stale, refreshing) with
// mutex-guarded transitions.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/semlayer/semlayer/internal/build"
	"github.com/semlayer/semlayer/pkg/logger"
	"github.com/semlayer/semlayer/pkg/storage"
)

var (
	hitsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_hits_total",
		Help:      "The total number of query results served from cache.",
	})

	missesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_misses_total",
		Help:      "The total number of query results computed on cache miss.",
	})

	staleServedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_stale_served_total",
		Help:      "The total number of stale results served while a background refresh ran.",
	})
)

// ErrComputeFailed wraps the execution error that caused a cache refresh to
// fail. It reaches only the callers that were blocked on that computation.
var ErrComputeFailed = errors.New("cache compute failed")

// State is the lifecycle position of a cache entry.
type State string

const (
	StateAbsent     State = "absent"
	StateFresh      State = "fresh"
	StateStale      State = "stale"
	StateRefreshing State = "refreshing"
)

// Policy configures expiry per cube. A zero StaleWhileRevalidate window
// means hard TTL expiry: callers block on recomputation once the TTL lapses.
type Policy struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
}

// Key identifies a cached result. The tenant id is part of the key so one
// tenant's entries can be invalidated without touching another's.
type Key struct {
	TenantID    string
	Fingerprint string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.Fingerprint
}

// ComputeFunc produces the result on a miss. It receives a context detached
// from any single caller so an in-flight computation survives individual
// caller deadlines.
type ComputeFunc func(ctx context.Context) (*storage.ResultSet, error)

type entry struct {
	mu         sync.Mutex
	rows       *storage.ResultSet
	computedAt time.Time
	refreshing bool
}

// DefaultComputeTimeout bounds a single backing computation.
const DefaultComputeTimeout = 30 * time.Second

const defaultMaxEntries = 10000

// Manager is the cache. Safe for concurrent use.
type Manager struct {
	entries        *ccache.Cache[*entry]
	group          singleflight.Group
	logger         logger.Logger
	computeTimeout time.Duration
	maxEntries     int64
	closeOnce      sync.Once
}

type Option func(*Manager)

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMaxEntries(n int64) Option {
	return func(m *Manager) {
		m.maxEntries = n
	}
}

func WithComputeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.computeTimeout = d
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		computeTimeout: DefaultComputeTimeout,
		maxEntries:     defaultMaxEntries,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.NewNoopLogger()
	}
	m.entries = ccache.New(ccache.Configure[*entry]().MaxSize(m.maxEntries))
	return m
}

type computeResult struct {
	rows *storage.ResultSet
}

// GetOrCompute returns the cached result for the key, computing it when
// absent or expired. The second return value reports whether the result was
// served from cache. Concurrent callers for the same key share a single
// computation; a caller whose own deadline lapses unblocks with its context
// error while the shared computation keeps running for the others.
func (m *Manager) GetOrCompute(ctx context.Context, key Key, policy Policy, compute ComputeFunc) (*storage.ResultSet, bool, error) {
	if e := m.lookup(key); e != nil {
		e.mu.Lock()
		age := time.Since(e.computedAt)
		rows := e.rows
		e.mu.Unlock()

		if age <= policy.TTL {
			hitsCounter.Inc()
			return rows, true, nil
		}

		if policy.StaleWhileRevalidate > 0 && age <= policy.TTL+policy.StaleWhileRevalidate {
			m.refreshInBackground(key, policy, e, compute)
			staleServedCounter.Inc()
			return rows, true, nil
		}
	}

	missesCounter.Inc()
	ch := m.group.DoChan(key.String(), func() (interface{}, error) {
		return m.runCompute(key, policy, compute)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(computeResult).rows, false, nil
	case <-ctx.Done():
		// The shared computation keeps running for the other waiters.
		return nil, false, ctx.Err()
	}
}

// runCompute executes compute within the singleflight group and records the
// state transitions around it.
func (m *Manager) runCompute(key Key, policy Policy, compute ComputeFunc) (interface{}, error) {
	e := m.lookup(key)
	if e != nil {
		e.mu.Lock()
		e.refreshing = true
		e.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.computeTimeout)
	defer cancel()

	rows, err := compute(ctx)
	if err != nil {
		// A previous value, if any, survives as stale.
		if e != nil {
			e.mu.Lock()
			e.refreshing = false
			e.mu.Unlock()
		}
		m.logger.Warn("cache compute failed",
			zap.String("tenant_id", key.TenantID),
			zap.String("fingerprint", key.Fingerprint),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrComputeFailed, err)
	}

	m.store(key, policy, rows)
	return computeResult{rows: rows}, nil
}

// refreshInBackground kicks off an asynchronous recomputation for a stale
// entry unless one is already running.
func (m *Manager) refreshInBackground(key Key, policy Policy, e *entry, compute ComputeFunc) {
	e.mu.Lock()
	if e.refreshing {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.mu.Unlock()

	go func() {
		ch := m.group.DoChan(key.String(), func() (interface{}, error) {
			return m.runCompute(key, policy, compute)
		})
		// Wait so the singleflight slot is held for the whole refresh; the
		// error was already logged inside runCompute.
		<-ch
	}()
}

func (m *Manager) lookup(key Key) *entry {
	item := m.entries.Get(key.String())
	if item == nil || item.Expired() {
		return nil
	}
	return item.Value()
}

func (m *Manager) store(key Key, policy Policy, rows *storage.ResultSet) {
	e := &entry{rows: rows, computedAt: time.Now()}
	// Entries stay resident through the stale window so a revalidation can
	// still serve the previous value.
	m.entries.Set(key.String(), e, policy.TTL+policy.StaleWhileRevalidate)
}

// StateOf reports the entry's position in the state machine.
func (m *Manager) StateOf(key Key, policy Policy) State {
	e := m.lookup(key)
	if e == nil {
		return StateAbsent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refreshing {
		return StateRefreshing
	}
	if time.Since(e.computedAt) <= policy.TTL {
		return StateFresh
	}
	return StateStale
}

// Invalidate drops one entry.
func (m *Manager) Invalidate(key Key) {
	m.entries.Delete(key.String())
}

// InvalidateTenant drops every entry belonging to a tenant, for explicit
// data-change signals.
func (m *Manager) InvalidateTenant(tenantID string) {
	m.entries.DeletePrefix(tenantID + "/")
}

// Clear drops every entry, for schema-change signals that invalidate all
// cached results at once.
func (m *Manager) Clear() {
	m.entries.Clear()
}

// Stop releases the cache's resources.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		m.entries.Stop()
	})
}
