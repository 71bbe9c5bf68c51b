// Package authcontext holds the per-request security context that every
// stage of the query pipeline receives as an explicit argument. It is never
// stored in a global; constructing it is the job of an authenticator and it
// is immutable afterwards.
package authcontext

import (
	"context"
	"time"
)

// SecurityContext identifies the caller for the duration of one request.
// The zero value is not valid; use New.
type SecurityContext struct {
	tenantID string
	userID   string
	roles    map[string]struct{}
	issuedAt time.Time
}

// New builds an immutable SecurityContext. The roles slice is copied.
func New(tenantID, userID string, roles []string) *SecurityContext {
	rs := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		rs[r] = struct{}{}
	}
	return &SecurityContext{
		tenantID: tenantID,
		userID:   userID,
		roles:    rs,
		issuedAt: time.Now().UTC(),
	}
}

func (s *SecurityContext) TenantID() string { return s.tenantID }

func (s *SecurityContext) UserID() string { return s.userID }

func (s *SecurityContext) IssuedAt() time.Time { return s.issuedAt }

// HasRole reports whether the caller carries the given role.
func (s *SecurityContext) HasRole(role string) bool {
	_, ok := s.roles[role]
	return ok
}

// Roles returns a copy of the caller's role set.
func (s *SecurityContext) Roles() []string {
	out := make([]string, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	return out
}

type ctxKey struct{}

// ContextWith attaches the SecurityContext to a context for middleware that
// needs to recover it for logging. Pipeline stages still receive the context
// explicitly; this is not a substitute for explicit passing.
func ContextWith(ctx context.Context, sctx *SecurityContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sctx)
}

// FromContext returns the SecurityContext attached by ContextWith, if any.
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sctx, ok := ctx.Value(ctxKey{}).(*SecurityContext)
	return sctx, ok
}
