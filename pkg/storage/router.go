package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/internal/build"
	"github.com/semlayer/semlayer/pkg/authcontext"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/logger"
)

var tracer = otel.Tracer("pkg/storage")

var (
	executionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "datasource_executions_total",
		Help:      "The total number of statements executed per data source kind.",
	}, []string{"kind"})

	retriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "datasource_retries_total",
		Help:      "The total number of transient-error retries against backing databases.",
	})
)

// DataSourceConfig describes one tenant's backing database. Credentials live
// inside the URI; the URI is never logged.
type DataSourceConfig struct {
	Name string
	Kind Kind

	Config
}

// DefaultMaxRetries bounds transient-error retries per statement.
const DefaultMaxRetries = 3

// Router owns the per-(tenant, data source) connection pools and dispatches
// compiled statements to the right engine. Pools are only reachable through
// Execute/Exec/Tx; no component touches a pool directly.
type Router struct {
	mu      sync.RWMutex
	sources map[string]DataSourceConfig
	pools   map[poolKey]Driver

	logger     logger.Logger
	maxRetries uint64
}

type poolKey struct {
	tenantID string
	source   string
}

type RouterOption func(*Router)

func WithLogger(l logger.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

func WithMaxRetries(n uint64) RouterOption {
	return func(r *Router) {
		r.maxRetries = n
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		sources:    map[string]DataSourceConfig{},
		pools:      map[poolKey]Driver{},
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewNoopLogger()
	}
	return r
}

// RegisterDataSource binds a tenant to its backing database.
func (r *Router) RegisterDataSource(tenantID string, cfg DataSourceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[tenantID] = cfg
}

// Tenants lists every tenant with a registered data source, sorted.
func (r *Router) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for t := range r.sources {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SourceFor returns the data source configured for a tenant.
func (r *Router) SourceFor(tenantID string) (DataSourceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.sources[tenantID]
	if !ok {
		return DataSourceConfig{}, fmt.Errorf("%w: %s", ErrUnknownDataSource, tenantID)
	}
	return cfg, nil
}

// DialectFor returns the SQL dialect of a tenant's data source.
func (r *Router) DialectFor(tenantID string) (compile.Dialect, error) {
	cfg, err := r.SourceFor(tenantID)
	if err != nil {
		return "", err
	}
	return compile.Dialect(cfg.Kind), nil
}

// driverFor returns (opening lazily) the pool for a tenant's data source.
func (r *Router) driverFor(tenantID string) (Driver, Kind, error) {
	cfg, err := r.SourceFor(tenantID)
	if err != nil {
		return nil, "", err
	}

	key := poolKey{tenantID: tenantID, source: cfg.Name}

	r.mu.RLock()
	d, ok := r.pools[key]
	r.mu.RUnlock()
	if ok {
		return d, cfg.Kind, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.pools[key]; ok {
		return d, cfg.Kind, nil
	}

	conf := cfg.Config
	if conf.Logger == nil {
		conf.Logger = r.logger
	}
	d, err = open(cfg.Kind, &conf)
	if err != nil {
		return nil, "", err
	}
	r.pools[key] = d
	r.logger.Info("opened data source pool",
		zap.String("tenant_id", tenantID),
		zap.String("data_source", cfg.Name),
		zap.String("kind", string(cfg.Kind)),
	)
	return d, cfg.Kind, nil
}

// Execute runs a compiled statement against the tenant's data source.
// Transient connection errors are retried with exponential backoff up to the
// configured bound; semantic errors and pool timeouts surface immediately.
func (r *Router) Execute(ctx context.Context, sctx *authcontext.SecurityContext, stmt *compile.CompiledStatement) (*ResultSet, error) {
	ctx, span := tracer.Start(ctx, "storage.Execute")
	defer span.End()

	d, kind, err := r.driverFor(sctx.TenantID())
	if err != nil {
		return nil, err
	}
	executionsCounter.WithLabelValues(string(kind)).Inc()

	var rs *ResultSet
	operation := func() error {
		var qerr error
		rs, qerr = d.Query(ctx, stmt.SQL, stmt.Args)
		if qerr == nil {
			return nil
		}
		if errors.Is(qerr, ErrTransient) {
			retriesCounter.Inc()
			r.logger.WarnWithContext(ctx, "retrying transient database error",
				zap.String("tenant_id", sctx.TenantID()),
				zap.Error(qerr),
			)
			return qerr
		}
		return backoff.Permanent(qerr)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return rs, nil
}

// Exec runs a write statement against the tenant's data source. Used by the
// pre-aggregation scheduler; not on the query path.
func (r *Router) Exec(ctx context.Context, tenantID, sqlText string, args []any) error {
	d, _, err := r.driverFor(tenantID)
	if err != nil {
		return err
	}
	return d.Exec(ctx, sqlText, args)
}

// Tx runs fn inside a transaction on the tenant's data source.
func (r *Router) Tx(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) error {
	d, _, err := r.driverFor(tenantID)
	if err != nil {
		return err
	}
	return d.Tx(ctx, fn)
}

// PoolStats reports connection pool utilization per open pool, keyed by
// "tenant/source".
func (r *Router) PoolStats() map[string]sql.DBStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]sql.DBStats, len(r.pools))
	for key, d := range r.pools {
		out[key.tenantID+"/"+key.source] = d.Stats()
	}
	return out
}

// Ping verifies connectivity of every registered data source that has an
// open pool.
func (r *Router) Ping(ctx context.Context) error {
	r.mu.RLock()
	drivers := make([]Driver, 0, len(r.pools))
	for _, d := range r.pools {
		drivers = append(drivers, d)
	}
	r.mu.RUnlock()

	for _, d := range drivers {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open pool.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, d := range r.pools {
		if err := d.Close(); err != nil {
			r.logger.Warn("closing data source pool", zap.String("data_source", key.source), zap.Error(err))
		}
		delete(r.pools, key)
	}
}
