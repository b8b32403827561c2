// Package auth manages upstream credentials: static API keys and OAuth
// device-code tokens with refresh. Both variants implement the Credential
// interface; the provider transport only ever calls BuildHeaders.
package auth

import (
	"context"
	"sync"
)

// Credential is the lifecycle every credential variant implements.
type Credential interface {
	// Initialize loads persisted state (token files) and prepares the
	// credential for use.
	Initialize(ctx context.Context) error

	// ValidateCredentials checks the credential can currently
	// authenticate, refreshing or running a device flow when needed.
	ValidateCredentials(ctx context.Context) error

	// BuildHeaders returns the auth headers for one upstream request.
	// It refreshes lazily when the token is near expiry and performs no
	// network I/O when the token is still valid.
	BuildHeaders(ctx context.Context) (map[string]string, error)

	// Cleanup releases resources.
	Cleanup() error
}

// Manager holds credentials keyed by (providerID, keyID).
type Manager struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewManager creates an empty credential manager.
func NewManager() *Manager {
	return &Manager{creds: make(map[string]Credential)}
}

func credentialKey(providerID, keyID string) string {
	return providerID + "." + keyID
}

// Register installs a credential for a provider key.
func (m *Manager) Register(providerID, keyID string, cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[credentialKey(providerID, keyID)] = cred
}

// Get returns the credential for a provider key.
func (m *Manager) Get(providerID, keyID string) (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[credentialKey(providerID, keyID)]
	return cred, ok
}

// Initialize initializes every registered credential.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cred := range m.creds {
		if err := cred.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup releases every registered credential.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.creds {
		_ = cred.Cleanup()
	}
	m.creds = make(map[string]Credential)
}
