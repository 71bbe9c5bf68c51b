package presharedkey

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semlayer/semlayer/internal/authn"
)

func TestNewPresharedKeyAuthenticator(t *testing.T) {
	t.Run("requires_at_least_one_key", func(t *testing.T) {
		_, err := NewPresharedKeyAuthenticator(nil)
		require.Error(t, err)
	})

	t.Run("requires_secret_and_tenant", func(t *testing.T) {
		_, err := NewPresharedKeyAuthenticator([]Key{{Secret: "s"}})
		require.Error(t, err)

		_, err = NewPresharedKeyAuthenticator([]Key{{Tenant: "acme"}})
		require.Error(t, err)
	})
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	a, err := NewPresharedKeyAuthenticator([]Key{
		{Secret: "acme-secret", Tenant: "acme", UserID: "svc-reporting", Roles: []string{"admin"}},
		{Secret: "globex-secret", Tenant: "globex"},
	})
	require.NoError(t, err)

	t.Run("valid_key_yields_security_context", func(t *testing.T) {
		sctx, err := a.Authenticate(ctx, "acme-secret", "acme")
		require.NoError(t, err)
		require.Equal(t, "acme", sctx.TenantID())
		require.Equal(t, "svc-reporting", sctx.UserID())
		require.True(t, sctx.HasRole("admin"))
	})

	t.Run("empty_credential", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "", "acme")
		require.ErrorIs(t, err, authn.ErrMissingBearerToken)
	})

	t.Run("unknown_key", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "wrong-secret", "acme")
		require.ErrorIs(t, err, authn.ErrUnauthenticated)
	})

	t.Run("key_bound_to_other_tenant", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "globex-secret", "acme")
		require.ErrorIs(t, err, authn.ErrTenantMismatch)
	})

	t.Run("missing_tenant_header", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "acme-secret", "")
		require.ErrorIs(t, err, authn.ErrTenantMismatch)
	})
}

func TestLoadKeys(t *testing.T) {
	t.Run("parses_keys_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
keys:
  - secret: acme-secret
    tenant: acme
    userId: svc-reporting
    roles: [admin]
  - secret: globex-secret
    tenant: globex
`), 0o600))

		keys, err := LoadKeys(path)
		require.NoError(t, err)
		require.Equal(t, []Key{
			{Secret: "acme-secret", Tenant: "acme", UserID: "svc-reporting", Roles: []string{"admin"}},
			{Secret: "globex-secret", Tenant: "globex"},
		}, keys)
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadKeys(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed_yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.yaml")
		require.NoError(t, os.WriteFile(path, []byte("keys: {not: a list}"), 0o600))
		_, err := LoadKeys(path)
		require.Error(t, err)
	})
}
