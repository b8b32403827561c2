package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// Token is the persisted OAuth state for one provider key. It is a
// superset of oauth2.Token: providers that exchange OAuth for a derived
// API key (iFlow, Gemini Cloud Code Assist) store the result alongside.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at"` // unix milliseconds
	Scope        string `json:"scope,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	APIKey    string `json:"api_key,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Picture   string `json:"picture,omitempty"`
}

// Expiry returns ExpiresAt as a time.
func (t *Token) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// Expired reports whether the token is past its expiry.
func (t *Token) Expired() bool {
	return t.ExpiresAt > 0 && !time.Now().Before(t.Expiry())
}

// NeedsRefresh reports whether the token is inside the refresh window.
func (t *Token) NeedsRefresh(skew time.Duration) bool {
	return t.ExpiresAt > 0 && !time.Now().Add(skew).Before(t.Expiry())
}

// OAuth2Token adapts the persisted shape to the x/oauth2 type.
func (t *Token) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry(),
	}
}

// fileLocks serializes token-file access across credentials that share a
// path. The registry is explicit process state: main initializes it and
// tears it down.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var tokenLocks *fileLocks

// InitTokenLocks sets up the global token-file lock registry.
func InitTokenLocks() {
	tokenLocks = &fileLocks{locks: make(map[string]*sync.Mutex)}
}

// ShutdownTokenLocks releases the registry.
func ShutdownTokenLocks() {
	tokenLocks = nil
}

func lockFor(path string) *sync.Mutex {
	if tokenLocks == nil {
		// Tests may skip global init; fall back to a throwaway lock.
		return &sync.Mutex{}
	}
	tokenLocks.mu.Lock()
	defer tokenLocks.mu.Unlock()
	l, ok := tokenLocks.locks[path]
	if !ok {
		l = &sync.Mutex{}
		tokenLocks.locks[path] = l
	}
	return l
}

// TokenStore persists one token file with atomic writes.
type TokenStore struct {
	path string
}

// NewTokenStore creates a store over path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Path returns the backing file location.
func (s *TokenStore) Path() string { return s.path }

// Load reads the token file. A missing file returns (nil, nil).
func (s *TokenStore) Load() (*Token, error) {
	lock := lockFor(s.path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &token, nil
}

// Save writes the token atomically: temp file in the same directory, then
// rename over the target.
func (s *TokenStore) Save(token *Token) error {
	lock := lockFor(s.path)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}

// DefaultTokenPath returns the provider token location under
// ~/.routecodex/auth.
func DefaultTokenPath(stateDir, providerID string) string {
	return filepath.Join(stateDir, "auth", providerID+"-oauth.json")
}

// LegacyTokenPath returns the legacy device-flow default,
// ~/.<clientId>/oauth_creds.json.
func LegacyTokenPath(clientID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+clientID, "oauth_creds.json")
}
