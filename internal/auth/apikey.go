package auth

import (
	"context"
	"sync/atomic"

	"github.com/routecodex/routecodex/internal/secret"
	"github.com/routecodex/routecodex/pkg/errors"
)

// APIKeyCredential authenticates with one or more static keys. Key
// references resolve through the secret resolver at initialize time; when
// several keys are configured, requests rotate through them round-robin.
type APIKeyCredential struct {
	providerID string
	headerName string
	refs       []string
	resolver   *secret.Resolver

	keys    []string
	counter atomic.Uint64
}

// NewAPIKeyCredential creates a credential over the given key references.
// headerName defaults to Authorization with a Bearer prefix.
func NewAPIKeyCredential(providerID, headerName string, refs []string, resolver *secret.Resolver) *APIKeyCredential {
	if headerName == "" {
		headerName = "Authorization"
	}
	return &APIKeyCredential{
		providerID: providerID,
		headerName: headerName,
		refs:       refs,
		resolver:   resolver,
	}
}

// Initialize resolves every key reference to its actual secret.
func (c *APIKeyCredential) Initialize(ctx context.Context) error {
	keys := make([]string, 0, len(c.refs))
	for _, ref := range c.refs {
		key, err := c.resolver.Resolve(ctx, ref)
		if err != nil {
			return errors.NewAuthenticationError(c.providerID, "resolve api key: "+err.Error()).WithCause(err)
		}
		keys = append(keys, key)
	}
	c.keys = keys
	return nil
}

// ValidateCredentials checks at least one key resolved.
func (c *APIKeyCredential) ValidateCredentials(context.Context) error {
	if len(c.keys) == 0 {
		return errors.NewAuthenticationError(c.providerID, "no api keys configured")
	}
	return nil
}

// BuildHeaders picks the next key round-robin. Static keys never hit the
// network.
func (c *APIKeyCredential) BuildHeaders(context.Context) (map[string]string, error) {
	if len(c.keys) == 0 {
		return nil, errors.NewAuthenticationError(c.providerID, "no api keys configured")
	}
	key := c.keys[int(c.counter.Add(1)-1)%len(c.keys)]
	if c.headerName == "Authorization" {
		return map[string]string{"Authorization": "Bearer " + key}, nil
	}
	return map[string]string{c.headerName: key}, nil
}

// Cleanup drops the resolved keys.
func (c *APIKeyCredential) Cleanup() error {
	c.keys = nil
	return nil
}
