package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/pkg/errors"
)

const (
	defaultRefreshSkew     = 5 * time.Minute
	refreshMaxAttempts     = 3
	refreshAttemptInterval = 2 * time.Second
)

// Activator runs a provider-specific exchange after a token is obtained or
// refreshed. iFlow trades the OAuth token for a derived API key; Gemini
// Cloud Code Assist discovers the billing project. Implementations mutate
// the token in place; the credential persists it afterwards.
type Activator interface {
	Activate(ctx context.Context, client *http.Client, token *Token) error
}

// ActivatorFunc adapts a function to the Activator interface.
type ActivatorFunc func(ctx context.Context, client *http.Client, token *Token) error

func (f ActivatorFunc) Activate(ctx context.Context, client *http.Client, token *Token) error {
	return f(ctx, client, token)
}

// OAuthConfig configures one OAuth credential.
type OAuthConfig struct {
	ProviderID string
	KeyID      string
	Flow       DeviceFlowConfig
	TokenPath  string

	// RefreshSkew is how long before expiry a refresh kicks in. Zero
	// means five minutes.
	RefreshSkew time.Duration

	// Activator is optional provider-specific post-token work.
	Activator Activator
}

// OAuthCredential authenticates through the device-code grant and keeps
// the token fresh. All state transitions happen under one mutex, so
// concurrent requests against the same provider key trigger at most one
// refresh.
type OAuthCredential struct {
	cfg    OAuthConfig
	store  *TokenStore
	flow   *DeviceFlow
	client *http.Client

	mu    sync.Mutex
	token *Token
}

// NewOAuthCredential creates the credential. The token store path defaults
// from the config when unset.
func NewOAuthCredential(cfg OAuthConfig, client *http.Client) *OAuthCredential {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = defaultRefreshSkew
	}
	return &OAuthCredential{
		cfg:    cfg,
		store:  NewTokenStore(cfg.TokenPath),
		flow:   NewDeviceFlow(cfg.Flow, client),
		client: client,
	}
}

// SetNotify installs the device-flow user prompt callback.
func (c *OAuthCredential) SetNotify(fn func(userCode, verificationURI string)) {
	c.flow.Notify = fn
}

// Initialize loads any persisted token. A missing file is not an error;
// the credential stays unauthorized until Authorize runs.
func (c *OAuthCredential) Initialize(_ context.Context) error {
	token, err := c.store.Load()
	if err != nil {
		return errors.NewAuthenticationError(c.cfg.ProviderID, err.Error()).WithCause(err)
	}
	if token == nil {
		// Fall back to the legacy per-client location used by older
		// CLI tooling.
		legacy := NewTokenStore(LegacyTokenPath(c.cfg.Flow.ClientID))
		if legacy.Path() != c.store.Path() {
			token, err = legacy.Load()
			if err != nil {
				token = nil
			}
		}
	}
	if token != nil {
		fillIdentityFromIDToken(token)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// Authorize runs the device-code flow, replacing any existing token. The
// API layer calls this when a client sends the auth trigger header.
func (c *OAuthCredential) Authorize(ctx context.Context) error {
	token, err := c.flow.Run(ctx)
	if err != nil {
		return err
	}
	fillIdentityFromIDToken(token)
	if c.cfg.Activator != nil {
		if err := c.cfg.Activator.Activate(ctx, c.client, token); err != nil {
			return errors.NewAuthenticationError(c.cfg.ProviderID,
				"post-authorization exchange: "+err.Error()).WithCause(err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if err := c.store.Save(token); err != nil {
		return errors.NewAuthenticationError(c.cfg.ProviderID, err.Error()).WithCause(err)
	}
	return nil
}

// ValidateCredentials checks a usable token exists, refreshing when inside
// the skew window.
func (c *OAuthCredential) ValidateCredentials(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureFreshLocked(ctx)
}

// BuildHeaders returns the auth headers, refreshing lazily. A derived API
// key takes precedence over the raw OAuth token.
func (c *OAuthCredential) BuildHeaders(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureFreshLocked(ctx); err != nil {
		return nil, err
	}

	token := c.token
	if token.APIKey != "" {
		return map[string]string{"Authorization": "Bearer " + token.APIKey}, nil
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return map[string]string{"Authorization": tokenType + " " + token.AccessToken}, nil
}

// Cleanup drops the in-memory token. The persisted file stays.
func (c *OAuthCredential) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	return nil
}

// Token returns a copy of the current token, or nil when unauthorized.
func (c *OAuthCredential) Token() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil
	}
	cp := *c.token
	return &cp
}

// ensureFreshLocked refreshes the token when it is inside the skew window.
// Callers hold c.mu, which is what collapses concurrent refreshes into
// one.
func (c *OAuthCredential) ensureFreshLocked(ctx context.Context) error {
	if c.token == nil || c.token.AccessToken == "" {
		return errors.NewAuthenticationError(c.cfg.ProviderID,
			"no oauth token on file; complete the device authorization flow first")
	}
	if !c.token.NeedsRefresh(c.cfg.RefreshSkew) {
		return nil
	}
	if c.token.RefreshToken == "" {
		if c.token.Expired() {
			return errors.NewAuthenticationError(c.cfg.ProviderID,
				"oauth token expired and no refresh token is available")
		}
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= refreshMaxAttempts; attempt++ {
		token, err := c.refresh(ctx, c.token)
		if err == nil {
			c.token = token
			if saveErr := c.store.Save(token); saveErr != nil {
				return errors.NewAuthenticationError(c.cfg.ProviderID, saveErr.Error()).WithCause(saveErr)
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < refreshMaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * refreshAttemptInterval):
			case <-ctx.Done():
				return errors.NewAuthenticationError(c.cfg.ProviderID, ctx.Err().Error()).WithCause(ctx.Err())
			}
		}
	}

	// A still-valid token keeps serving even when refresh is failing.
	if !c.token.Expired() {
		return nil
	}
	return errors.NewAuthenticationError(c.cfg.ProviderID,
		"token refresh failed: "+lastErr.Error()).WithCause(lastErr)
}

// refresh exchanges the refresh token for a new access token, carrying
// forward fields the token endpoint does not return.
func (c *OAuthCredential) refresh(ctx context.Context, old *Token) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.Flow.ClientID},
		"refresh_token": {old.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Flow.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	body, err := httputil.ReadLimitedBody(resp.Body, 1<<20)
	if err != nil {
		return nil, err
	}

	token, err := parseTokenResponse(body)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = old.RefreshToken
	}
	token.CodeVerifier = old.CodeVerifier
	token.APIKey = old.APIKey
	token.ProjectID = old.ProjectID
	token.Email = old.Email
	token.Picture = old.Picture
	if token.IDToken == "" {
		token.IDToken = old.IDToken
	} else {
		fillIdentityFromIDToken(token)
	}

	if c.cfg.Activator != nil {
		if err := c.cfg.Activator.Activate(ctx, c.client, token); err != nil {
			return nil, fmt.Errorf("post-refresh exchange: %w", err)
		}
	}
	return token, nil
}

// fillIdentityFromIDToken extracts email and picture claims from the ID
// token without verifying the signature. The claims are display metadata,
// never an authorization input.
func fillIdentityFromIDToken(token *Token) {
	if token.IDToken == "" || (token.Email != "" && token.Picture != "") {
		return
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token.IDToken, claims); err != nil {
		return
	}
	if token.Email == "" {
		if email, ok := claims["email"].(string); ok {
			token.Email = email
		}
	}
	if token.Picture == "" {
		if picture, ok := claims["picture"].(string); ok {
			token.Picture = picture
		}
	}
}
