package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semlayer/semlayer/internal/authn"
	"github.com/semlayer/semlayer/pkg/cache"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/schema"
	"github.com/semlayer/semlayer/pkg/storage"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		status            int
		code              Code
		securityViolation bool
	}{
		{
			name:              "tenant_mismatch",
			err:               authn.ErrTenantMismatch,
			status:            http.StatusForbidden,
			code:              CodeTenantMismatch,
			securityViolation: true,
		},
		{
			name:   "unauthenticated",
			err:    fmt.Errorf("%w: bad signature", authn.ErrUnauthenticated),
			status: http.StatusUnauthorized,
			code:   CodeUnauthenticated,
		},
		{
			name:   "missing_bearer_token",
			err:    authn.ErrMissingBearerToken,
			status: http.StatusUnauthorized,
			code:   CodeUnauthenticated,
		},
		{
			name:   "forbidden",
			err:    ErrForbidden,
			status: http.StatusForbidden,
			code:   CodeForbidden,
		},
		{
			name:              "illegal_tenant_override",
			err:               fmt.Errorf("filter on %q: %w", "tenant_id", compile.ErrIllegalTenantOverride),
			status:            http.StatusBadRequest,
			code:              CodeIllegalTenantOverride,
			securityViolation: true,
		},
		{
			name:   "unknown_field",
			err:    compile.ErrUnknownField,
			status: http.StatusBadRequest,
			code:   CodeUnknownField,
		},
		{
			name:   "cube_not_found",
			err:    schema.ErrCubeNotFound,
			status: http.StatusBadRequest,
			code:   CodeUnknownField,
		},
		{
			name:   "no_join_path",
			err:    compile.ErrNoJoinPath,
			status: http.StatusBadRequest,
			code:   CodeNoJoinPath,
		},
		{
			name:   "invalid_query",
			err:    compile.ErrInvalidQuery,
			status: http.StatusBadRequest,
			code:   CodeInvalidQuery,
		},
		{
			name:   "unknown_data_source",
			err:    storage.ErrUnknownDataSource,
			status: http.StatusBadRequest,
			code:   CodeUnknownDataSource,
		},
		{
			name:   "pool_timeout",
			err:    storage.ErrPoolTimeout,
			status: http.StatusServiceUnavailable,
			code:   CodePoolTimeout,
		},
		{
			name:   "compute_failed",
			err:    fmt.Errorf("%w: %w", cache.ErrComputeFailed, errors.New("connection reset")),
			status: http.StatusBadGateway,
			code:   CodeExecutionFailed,
		},
		{
			name:   "transient_storage_error",
			err:    fmt.Errorf("%w: driver: bad connection", storage.ErrTransient),
			status: http.StatusBadGateway,
			code:   CodeExecutionFailed,
		},
		{
			name:   "schema_rejected",
			err:    fmt.Errorf("%w: cube %q: join cycle", schema.ErrInvalidSchema, "Orders"),
			status: http.StatusBadRequest,
			code:   CodeSchemaRejected,
		},
		{
			name:   "deadline_exceeded",
			err:    context.DeadlineExceeded,
			status: http.StatusGatewayTimeout,
			code:   CodeRequestTimeout,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			encoded := Encode(test.err)
			require.Equal(t, test.status, encoded.HTTPStatus)
			require.Equal(t, test.code, encoded.Code)
			require.Equal(t, test.securityViolation, encoded.SecurityViolation)
			require.NotEmpty(t, encoded.Message)
		})
	}
}

func TestEncodeHidesInternals(t *testing.T) {
	encoded := Encode(errors.New("pq: password authentication failed for user \"semlayer\""))
	require.Equal(t, http.StatusInternalServerError, encoded.HTTPStatus)
	require.Equal(t, CodeInternalError, encoded.Code)
	require.Equal(t, "internal server error", encoded.Message)
	require.NotContains(t, encoded.Error(), "password")
}
