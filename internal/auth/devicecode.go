package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/pkg/errors"
)

const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// PKCE holds one verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a 32-byte verifier and its S256 challenge, both
// base64url without padding.
func NewPKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// DeviceAuthorization is the parsed device-code response. Providers name
// the fields inconsistently; both snake_case and camelCase are accepted.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
}

func (d *DeviceAuthorization) parse(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				var s string
				if err := json.Unmarshal(v, &s); err == nil {
					return s
				}
			}
		}
		return ""
	}
	num := func(keys ...string) int {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				var n int
				if err := json.Unmarshal(v, &n); err == nil {
					return n
				}
			}
		}
		return 0
	}

	d.DeviceCode = str("device_code", "deviceCode")
	d.UserCode = str("user_code", "userCode")
	d.VerificationURI = str("verification_uri", "verificationUri", "verification_url")
	d.VerificationURIComplete = str("verification_uri_complete", "verificationUriComplete")
	d.ExpiresIn = num("expires_in", "expiresIn")
	d.Interval = num("interval")

	if d.DeviceCode == "" || d.UserCode == "" {
		return fmt.Errorf("device authorization response missing device_code or user_code")
	}
	return nil
}

// DeviceFlowConfig describes one provider's device-code endpoints.
type DeviceFlowConfig struct {
	ClientID      string
	Scopes        []string
	DeviceCodeURL string
	TokenURL      string
}

// DeviceFlow runs the OAuth 2.0 device-authorization grant with PKCE.
type DeviceFlow struct {
	cfg    DeviceFlowConfig
	client *http.Client

	// Notify is called with the user code and verification URI once the
	// device code is issued. Nil means log-only callers handle display.
	Notify func(userCode, verificationURI string)
}

// NewDeviceFlow creates the flow runner.
func NewDeviceFlow(cfg DeviceFlowConfig, client *http.Client) *DeviceFlow {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DeviceFlow{cfg: cfg, client: client}
}

// Run performs the complete grant: request a device code, prompt the user,
// poll until approval. The returned token carries the PKCE verifier so
// refresh can reuse it.
func (f *DeviceFlow) Run(ctx context.Context) (*Token, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return nil, err
	}

	auth, err := f.requestDeviceCode(ctx, pkce)
	if err != nil {
		return nil, err
	}
	if f.Notify != nil {
		uri := auth.VerificationURIComplete
		if uri == "" {
			uri = auth.VerificationURI
		}
		f.Notify(auth.UserCode, uri)
	}

	token, err := f.poll(ctx, auth, pkce)
	if err != nil {
		return nil, err
	}
	token.CodeVerifier = pkce.Verifier
	return token, nil
}

func (f *DeviceFlow) requestDeviceCode(ctx context.Context, pkce *PKCE) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id":             {f.cfg.ClientID},
		"scope":                 {strings.Join(f.cfg.Scopes, " ")},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	body, status, err := f.postForm(ctx, f.cfg.DeviceCodeURL, form)
	if err != nil {
		return nil, errors.NewAuthenticationError("", "device code request: "+err.Error()).WithCause(err)
	}
	if status != http.StatusOK {
		return nil, errors.NewAuthenticationError("",
			fmt.Sprintf("device code request returned %d: %s", status, strings.TrimSpace(string(body))))
	}

	var auth DeviceAuthorization
	if err := auth.parse(body); err != nil {
		return nil, errors.NewAuthenticationError("", "parse device code response: "+err.Error()).WithCause(err)
	}
	return &auth, nil
}

// poll hits the token endpoint at the server-directed interval until the
// user approves, the code expires, or access is denied. slow_down raises
// the interval by half.
func (f *DeviceFlow) poll(ctx context.Context, auth *DeviceAuthorization, pkce *PKCE) (*Token, error) {
	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	if auth.ExpiresIn <= 0 {
		deadline = time.Now().Add(15 * time.Minute)
	}
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	// Consume the initial token so the first poll waits one interval.
	_ = limiter.Wait(pollCtx)

	form := url.Values{
		"grant_type":    {deviceCodeGrantType},
		"client_id":     {f.cfg.ClientID},
		"device_code":   {auth.DeviceCode},
		"code_verifier": {pkce.Verifier},
	}

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			return nil, errors.NewAuthenticationError("", "device code expired before approval")
		}

		body, status, err := f.postForm(pollCtx, f.cfg.TokenURL, form)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil, errors.NewAuthenticationError("", "device code expired before approval")
			}
			continue
		}
		if status == http.StatusOK {
			return parseTokenResponse(body)
		}

		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errResp)
		switch errResp.Error {
		case "authorization_pending":
		case "slow_down":
			interval += interval / 2
			limiter.SetLimit(rate.Every(interval))
		case "expired_token":
			return nil, errors.NewAuthenticationError("", "device code expired before approval")
		case "access_denied":
			return nil, errors.NewAuthenticationError("", "user denied the authorization request")
		default:
			return nil, errors.NewAuthenticationError("",
				fmt.Sprintf("token endpoint returned %d: %s", status, strings.TrimSpace(string(body))))
		}
	}
}

func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := httputil.ReadLimitedBody(resp.Body, 1<<20)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// parseTokenResponse decodes a token-endpoint success body into the
// persisted token shape.
func parseTokenResponse(body []byte) (*Token, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.NewAuthenticationError("", "parse token response: "+err.Error()).WithCause(err)
	}
	if raw.AccessToken == "" {
		return nil, errors.NewAuthenticationError("", "token response missing access_token")
	}
	tokenType := raw.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	token := &Token{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		TokenType:    tokenType,
		Scope:        raw.Scope,
		IDToken:      raw.IDToken,
	}
	if raw.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second).UnixMilli()
	}
	return token, nil
}
