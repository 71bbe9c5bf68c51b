// Package sqlcommon implements the shared database/sql execution path used
// by every engine package: pooled connections with an explicit acquire
// timeout, startup ping with backoff, result normalization and error
// classification.
package sqlcommon

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/pkg/logger"
	"github.com/semlayer/semlayer/pkg/storage"
)

const defaultAcquireTimeout = 5 * time.Second

// SQLDriver is the generic engine implementation behind every registered
// Kind. Engine packages configure it with their database/sql driver name.
type SQLDriver struct {
	db             *sql.DB
	logger         logger.Logger
	collector      prometheus.Collector
	acquireTimeout time.Duration
}

var _ storage.Driver = (*SQLDriver)(nil)

// Open initializes a pooled connection for the named database/sql driver and
// verifies connectivity with an exponential-backoff ping.
func Open(driverName string, cfg *storage.Config) (*SQLDriver, error) {
	db, err := sql.Open(driverName, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("initialize %s connection: %w", driverName, err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			log.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.PoolName != "" {
		collector = collectors.NewDBStatsCollector(db, cfg.PoolName)
		if err := prometheus.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				_ = db.Close()
				return nil, fmt.Errorf("initialize metrics: %w", err)
			}
			collector = nil
		}
	}

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout == 0 {
		acquireTimeout = defaultAcquireTimeout
	}

	return &SQLDriver{
		db:             db,
		logger:         log,
		collector:      collector,
		acquireTimeout: acquireTimeout,
	}, nil
}

// acquire checks a connection out of the pool, bounded by the acquire
// timeout and the caller's own deadline. Pool exhaustion beyond the bound is
// reported as ErrPoolTimeout.
func (d *SQLDriver) acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	defer cancel()

	conn, err := d.db.Conn(acquireCtx)
	if err != nil {
		// The caller cancelling or timing out is their outcome, not pool
		// exhaustion; only the acquire timeout itself maps to ErrPoolTimeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", storage.ErrPoolTimeout, err)
		}
		return nil, Classify(err)
	}
	return conn, nil
}

func (d *SQLDriver) Query(ctx context.Context, sqlText string, args []any) (*storage.ResultSet, error) {
	conn, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	rs, err := normalize(rows)
	if err != nil {
		return nil, Classify(err)
	}
	return rs, nil
}

func (d *SQLDriver) Exec(ctx context.Context, sqlText string, args []any) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, sqlText, args...); err != nil {
		return Classify(err)
	}
	return nil
}

func (d *SQLDriver) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Classify(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

func (d *SQLDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDriver) Stats() sql.DBStats {
	return d.db.Stats()
}

func (d *SQLDriver) Close() error {
	if d.collector != nil {
		prometheus.Unregister(d.collector)
	}
	return d.db.Close()
}

// normalize converts driver rows into the canonical ResultSet: lower-cased
// column names, byte blobs decoded to strings, NULL as nil.
func normalize(rows *sql.Rows) (*storage.ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	columns := make([]string, len(cols))
	for i, c := range cols {
		columns[i] = strings.ToLower(c)
	}

	rs := &storage.ResultSet{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func normalizeValue(v any) any {
	switch tv := v.(type) {
	case []byte:
		return string(tv)
	case time.Time:
		return tv.UTC()
	default:
		return v
	}
}

// Classify wraps a driver error with its retry class. Connection-level
// failures become ErrTransient; everything else is ErrNonRetryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrTransient) ||
		errors.Is(err, storage.ErrNonRetryable) ||
		errors.Is(err, storage.ErrPoolTimeout) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", storage.ErrNonRetryable, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
