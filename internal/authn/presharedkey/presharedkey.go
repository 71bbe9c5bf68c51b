// Package presharedkey authenticates requests with static keys configured at
// deploy time. Each key is bound to exactly one tenant.
package presharedkey

import (
	"context"
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/semlayer/semlayer/internal/authn"
	"github.com/semlayer/semlayer/pkg/authcontext"
)

// Key binds a preshared secret to a tenant and an optional set of roles.
type Key struct {
	Secret string   `json:"secret"`
	Tenant string   `json:"tenant"`
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

type PresharedKeyAuthenticator struct {
	keys map[string]Key
}

var _ authn.Authenticator = (*PresharedKeyAuthenticator)(nil)

func NewPresharedKeyAuthenticator(keys []Key) (*PresharedKeyAuthenticator, error) {
	if len(keys) < 1 {
		return nil, errors.New("invalid auth configuration, please specify at least one key")
	}
	byName := make(map[string]Key, len(keys))
	for _, k := range keys {
		if k.Secret == "" || k.Tenant == "" {
			return nil, errors.New("invalid auth configuration, every key needs a secret and a tenant")
		}
		byName[k.Secret] = k
	}

	return &PresharedKeyAuthenticator{keys: byName}, nil
}

func (pka *PresharedKeyAuthenticator) Authenticate(_ context.Context, credential, tenantID string) (*authcontext.SecurityContext, error) {
	if credential == "" {
		return nil, authn.ErrMissingBearerToken
	}

	key, found := pka.keys[credential]
	if !found {
		return nil, authn.ErrUnauthenticated
	}

	if tenantID == "" || key.Tenant != tenantID {
		return nil, authn.ErrTenantMismatch
	}

	return authcontext.New(key.Tenant, key.UserID, key.Roles), nil
}

func (pka *PresharedKeyAuthenticator) Close() {}

// LoadKeys reads a YAML file of the form {keys: [{secret, tenant, ...}]}.
func LoadKeys(path string) ([]Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preshared keys file: %w", err)
	}

	var doc struct {
		Keys []Key `json:"keys"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode preshared keys file: %w", err)
	}
	return doc.Keys, nil
}
