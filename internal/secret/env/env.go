// Package env reads secrets from process environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Source resolves env:// references.
type Source struct{}

// New creates the env source.
func New() *Source {
	return &Source{}
}

// Get returns the value of the named environment variable.
func (s *Source) Get(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return val, nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}
