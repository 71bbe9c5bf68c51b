package sqlcommon

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/semlayer/semlayer/pkg/storage"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: lookup failed" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Run("nil_stays_nil", func(t *testing.T) {
		require.NoError(t, Classify(nil))
	})

	t.Run("bad_conn_is_transient", func(t *testing.T) {
		require.ErrorIs(t, Classify(driver.ErrBadConn), storage.ErrTransient)
	})

	t.Run("eof_is_transient", func(t *testing.T) {
		require.ErrorIs(t, Classify(io.EOF), storage.ErrTransient)
		require.ErrorIs(t, Classify(io.ErrUnexpectedEOF), storage.ErrTransient)
	})

	t.Run("net_errors_are_transient", func(t *testing.T) {
		require.ErrorIs(t, Classify(timeoutErr{}), storage.ErrTransient)
	})

	t.Run("connection_reset_message_is_transient", func(t *testing.T) {
		require.ErrorIs(t, Classify(errors.New("read: connection reset by peer")), storage.ErrTransient)
		require.ErrorIs(t, Classify(errors.New("dial: connection refused")), storage.ErrTransient)
		require.ErrorIs(t, Classify(errors.New("write: broken pipe")), storage.ErrTransient)
	})

	t.Run("semantic_errors_are_non_retryable", func(t *testing.T) {
		require.ErrorIs(t, Classify(errors.New(`syntax error at or near "FORM"`)), storage.ErrNonRetryable)
	})

	t.Run("already_classified_errors_pass_through", func(t *testing.T) {
		wrapped := fmt.Errorf("%w: saturated", storage.ErrPoolTimeout)
		require.Equal(t, wrapped, Classify(wrapped))

		transient := fmt.Errorf("%w: flap", storage.ErrTransient)
		require.Equal(t, transient, Classify(transient))
	})
}

func TestAcquire(t *testing.T) {
	openPool := func(t *testing.T) *SQLDriver {
		t.Helper()
		d, err := Open("sqlite", &storage.Config{
			URI:            filepath.Join(t.TempDir(), "acquire.db"),
			MaxOpenConns:   1,
			AcquireTimeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	}

	t.Run("exhausted_pool_reports_pool_timeout", func(t *testing.T) {
		d := openPool(t)

		held, err := d.acquire(context.Background())
		require.NoError(t, err)
		defer held.Close()

		_, err = d.acquire(context.Background())
		require.ErrorIs(t, err, storage.ErrPoolTimeout)
	})

	t.Run("caller_cancellation_is_not_pool_timeout", func(t *testing.T) {
		d := openPool(t)

		held, err := d.acquire(context.Background())
		require.NoError(t, err)
		defer held.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = d.acquire(ctx)
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, storage.ErrPoolTimeout)
	})

	t.Run("caller_deadline_is_not_pool_timeout", func(t *testing.T) {
		d := openPool(t)

		held, err := d.acquire(context.Background())
		require.NoError(t, err)
		defer held.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = d.acquire(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.NotErrorIs(t, err, storage.ErrPoolTimeout)
	})
}

func TestNormalizeValue(t *testing.T) {
	require.Equal(t, "blob", normalizeValue([]byte("blob")))

	loc := time.FixedZone("UTC+2", 2*3600)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	require.Equal(t, ts.UTC(), normalizeValue(ts))

	require.Nil(t, normalizeValue(nil))
	require.Equal(t, int64(7), normalizeValue(int64(7)))
}
