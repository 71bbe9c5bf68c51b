// Package storage routes compiled statements to the database engine backing
// each tenant's data source and normalizes the results into one tabular
// shape. Engine packages register themselves the way database/sql drivers
// do; importing an engine package for its side effect makes its Kind
// available to the router.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/semlayer/semlayer/pkg/logger"
)

// Kind names a supported database engine.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindSQLite   Kind = "sqlite"
)

// Execution error taxonomy. Callers match with errors.Is.
var (
	// ErrTransient marks a connection-level failure. The router retries
	// these internally with backoff before surfacing them.
	ErrTransient = errors.New("transient database error")

	// ErrNonRetryable marks a semantic failure (bad SQL, permission denied)
	// that surfaces immediately.
	ErrNonRetryable = errors.New("non-retryable database error")

	// ErrPoolTimeout is returned when a connection could not be acquired
	// from the pool before the caller's deadline.
	ErrPoolTimeout = errors.New("timed out waiting for a database connection")

	// ErrUnknownDataSource is returned when a tenant has no configured data source.
	ErrUnknownDataSource = errors.New("no data source configured for tenant")

	// ErrUnsupportedKind is returned for a data source kind with no
	// registered engine.
	ErrUnsupportedKind = errors.New("unsupported data source kind")
)

// ResultSet is the canonical tabular result shape: lower-cased column names
// and rows of typed values.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Driver executes statements against one engine connection pool.
type Driver interface {
	Query(ctx context.Context, sqlText string, args []any) (*ResultSet, error)
	Exec(ctx context.Context, sqlText string, args []any) error

	// Tx runs fn inside a transaction, committing when fn returns nil.
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error

	Ping(ctx context.Context) error
	Stats() sql.DBStats
	Close() error
}

// Config carries connection pool settings for one data source.
type Config struct {
	URI string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// AcquireTimeout bounds how long a caller may wait for a pooled
	// connection before failing with ErrPoolTimeout.
	AcquireTimeout time.Duration

	// PoolName labels the prometheus DBStats collector. Metrics are not
	// exported when empty.
	PoolName string

	Logger logger.Logger
}

// Opener constructs a Driver for an engine.
type Opener func(cfg *Config) (Driver, error)

var (
	openersMu sync.RWMutex
	openers   = map[Kind]Opener{}
)

// Register makes an engine available under the given kind. It is intended to
// be called from engine package init functions and panics on duplicates,
// mirroring database/sql.Register.
func Register(kind Kind, opener Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if opener == nil {
		panic("storage: Register opener is nil")
	}
	if _, dup := openers[kind]; dup {
		panic(fmt.Sprintf("storage: Register called twice for kind %q", kind))
	}
	openers[kind] = opener
}

// Kinds lists the registered engine kinds, sorted.
func Kinds() []Kind {
	openersMu.RLock()
	defer openersMu.RUnlock()
	out := make([]Kind, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func open(kind Kind, cfg *Config) (Driver, error) {
	openersMu.RLock()
	opener, ok := openers[kind]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return opener(cfg)
}
