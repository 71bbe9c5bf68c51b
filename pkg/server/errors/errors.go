// Package errors maps internal error kinds onto the wire taxonomy the API
// gateway exposes. Tenant-isolation violations are flagged so the gateway
// can log them at a higher severity than ordinary request errors.
package errors

import (
	"context"
	"errors"
	"net/http"

	"github.com/semlayer/semlayer/internal/authn"
	"github.com/semlayer/semlayer/pkg/cache"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/schema"
	"github.com/semlayer/semlayer/pkg/storage"
)

// Code is the stable machine-readable error code returned to callers.
type Code string

const (
	CodeUnauthenticated       Code = "unauthenticated"
	CodeTenantMismatch        Code = "tenant_mismatch"
	CodeForbidden             Code = "forbidden"
	CodeUnknownField          Code = "unknown_field"
	CodeNoJoinPath            Code = "no_join_path"
	CodeIllegalTenantOverride Code = "illegal_tenant_override"
	CodeInvalidQuery          Code = "invalid_query"
	CodeUnknownDataSource     Code = "unknown_data_source"
	CodePoolTimeout           Code = "pool_timeout"
	CodeExecutionFailed       Code = "execution_failed"
	CodeRequestTimeout        Code = "request_timeout"
	CodeSchemaRejected        Code = "schema_rejected"
	CodeInternalError         Code = "internal_error"
)

// ErrForbidden rejects a caller that lacks the role an endpoint requires.
var ErrForbidden = errors.New("caller lacks the required role")

// EncodedError carries everything the gateway needs to answer a failed
// request.
type EncodedError struct {
	HTTPStatus int
	Code       Code
	Message    string

	// SecurityViolation marks tenant-isolation failures, which are logged
	// at error severity since they indicate a bug or a bypass attempt.
	SecurityViolation bool
}

func (e *EncodedError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Encode classifies err into the wire taxonomy.
func Encode(err error) *EncodedError {
	switch {
	case errors.Is(err, authn.ErrTenantMismatch):
		return &EncodedError{HTTPStatus: http.StatusForbidden, Code: CodeTenantMismatch, Message: err.Error(), SecurityViolation: true}
	case errors.Is(err, authn.ErrUnauthenticated), errors.Is(err, authn.ErrMissingBearerToken):
		return &EncodedError{HTTPStatus: http.StatusUnauthorized, Code: CodeUnauthenticated, Message: err.Error()}
	case errors.Is(err, ErrForbidden):
		return &EncodedError{HTTPStatus: http.StatusForbidden, Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, compile.ErrIllegalTenantOverride):
		return &EncodedError{HTTPStatus: http.StatusBadRequest, Code: CodeIllegalTenantOverride, Message: err.Error(), SecurityViolation: true}
	case errors.Is(err, compile.ErrUnknownField), errors.Is(err, schema.ErrCubeNotFound):
		return &EncodedError{HTTPStatus: http.StatusBadRequest, Code: CodeUnknownField, Message: err.Error()}
	case errors.Is(err, compile.ErrNoJoinPath):
		return &EncodedError{HTTPStatus: http.StatusBadRequest, Code: CodeNoJoinPath, Message: err.Error()}
	case errors.Is(err, compile.ErrInvalidQuery):
		return &EncodedError{HTTPStatus: http.StatusBadRequest, Code: CodeInvalidQuery, Message: err.Error()}
	case errors.Is(err, storage.ErrUnknownDataSource):
		return &EncodedError{HTTPStatus: http.StatusBadRequest, Code: CodeUnknownDataSource, Message: err.Error()}
	case errors.Is(err, storage.ErrPoolTimeout):
		return &EncodedError{HTTPStatus: http.StatusServiceUnavailable, Code: CodePoolTimeout, Message: err.Error()}
	case errors.Is(err, cache.ErrComputeFailed),
		errors.Is(err, storage.ErrTransient),
		errors.Is(err, storage.ErrNonRetryable):
		return &EncodedError{HTTPStatus: http.StatusBadGateway, Code: CodeExecutionFailed, Message: err.Error()}
	case errors.Is(err, schema.ErrInvalidSchema):
		return &EncodedError{HTTPStatus: http.StatusBadRequest, Code: CodeSchemaRejected, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &EncodedError{HTTPStatus: http.StatusGatewayTimeout, Code: CodeRequestTimeout, Message: "request deadline exceeded"}
	default:
		// Internals never leak to callers.
		return &EncodedError{HTTPStatus: http.StatusInternalServerError, Code: CodeInternalError, Message: "internal server error"}
	}
}
