// Package authn resolves request credentials into a SecurityContext.
package authn

import (
	"context"
	"errors"

	"github.com/semlayer/semlayer/pkg/authcontext"
)

var (
	// ErrUnauthenticated is returned when no valid credential accompanies a request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrMissingBearerToken is returned when the Authorization header carries no bearer token.
	ErrMissingBearerToken = errors.New("missing bearer token")

	// ErrTenantMismatch is returned when a valid credential does not authorize
	// the tenant the request claims to act for.
	ErrTenantMismatch = errors.New("credential does not authorize the requested tenant")
)

// Authenticator validates a credential and derives the SecurityContext for
// the requested tenant. Implementations must return ErrTenantMismatch when
// the credential is valid but scoped to a different tenant.
type Authenticator interface {
	Authenticate(ctx context.Context, credential, tenantID string) (*authcontext.SecurityContext, error)

	Close()
}

// NoopAuthenticator accepts every request. Only for tests.
type NoopAuthenticator struct{}

var _ Authenticator = (*NoopAuthenticator)(nil)

func (n NoopAuthenticator) Authenticate(_ context.Context, _, tenantID string) (*authcontext.SecurityContext, error) {
	return authcontext.New(tenantID, "", nil), nil
}

func (n NoopAuthenticator) Close() {}
