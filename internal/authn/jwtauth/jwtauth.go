// Package jwtauth authenticates requests with HS256-signed JWTs. The token
// must carry a "tid" claim naming the tenant the caller acts for; "sub" and
// "roles" map onto the SecurityContext.
package jwtauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/semlayer/semlayer/internal/authn"
	"github.com/semlayer/semlayer/pkg/authcontext"
)

type Config struct {
	// Secret is the shared HMAC signing key.
	Secret string

	// Issuer, when set, must match the token's "iss" claim.
	Issuer string

	// Audience, when set, must be present in the token's "aud" claim.
	Audience string
}

type JWTAuthenticator struct {
	cfg    Config
	parser *jwt.Parser
}

var _ authn.Authenticator = (*JWTAuthenticator)(nil)

func NewJWTAuthenticator(cfg Config) (*JWTAuthenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("invalid auth configuration, the jwt signing secret must not be empty")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuthenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

type claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles"`
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential, tenantID string) (*authcontext.SecurityContext, error) {
	if credential == "" {
		return nil, authn.ErrMissingBearerToken
	}

	var c claims
	_, err := a.parser.ParseWithClaims(credential, &c, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authn.ErrUnauthenticated, err)
	}

	if c.TenantID == "" {
		return nil, fmt.Errorf("%w: token has no tenant claim", authn.ErrUnauthenticated)
	}
	if tenantID == "" || c.TenantID != tenantID {
		return nil, authn.ErrTenantMismatch
	}

	return authcontext.New(c.TenantID, c.Subject, c.Roles), nil
}

func (a *JWTAuthenticator) Close() {}
