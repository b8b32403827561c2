// Package secret resolves configuration-level key selectors into usable
// secrets. A keyId in provider config may be a literal value, an env://NAME
// reference, or a vault://path#field reference; the resolved value is the
// actualKey placed in outbound auth headers.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Source retrieves secrets from one backing store.
type Source interface {
	// Get retrieves the secret value for the path after the scheme,
	// e.g. "OPENAI_API_KEY" for env://OPENAI_API_KEY.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the source.
	Close() error
}

// Resolver routes key references to registered sources by URI scheme.
// References without a scheme resolve to themselves (static keys).
type Resolver struct {
	sources map[string]Source
	mu      sync.RWMutex
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{sources: make(map[string]Source)}
}

// Register installs a source for a scheme ("env", "vault").
func (r *Resolver) Register(scheme string, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[scheme] = source
}

// Resolve turns a key reference into the actual secret value.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, found := strings.Cut(ref, "://")
	if !found {
		return ref, nil
	}

	r.mu.RLock()
	source, ok := r.sources[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret source registered for scheme %q", scheme)
	}
	return source.Get(ctx, path)
}

// Close closes all registered sources.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, s := range r.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret sources: %s", strings.Join(errs, "; "))
	}
	return nil
}
