package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/sjson"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
)

const (
	deepseekSessionTTL    = 30 * time.Minute
	deepseekPowTimeout    = 15 * time.Second
	deepseekPowMaxRetries = 2

	deepseekSessionEndpoint   = "/api/v0/chat_session/create"
	deepseekChallengeEndpoint = "/api/v0/chat/create_pow_challenge"
)

// powChallenge is the server-issued proof-of-work puzzle.
type powChallenge struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Difficulty int    `json:"difficulty"`
	ExpireAt   int64  `json:"expire_at"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

// powResponse is the solved puzzle, base64-encoded into the
// X-DS-Pow-Response header.
type powResponse struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Answer     int64  `json:"answer"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

// PowSolver computes the answer for a challenge. The production solver
// shells out to an external process; tests swap in a stub.
type PowSolver interface {
	Solve(ctx context.Context, ch powChallenge) (int64, error)
}

// subprocessSolver runs the external solver binary with the challenge on
// stdin and reads the decimal answer from stdout.
type subprocessSolver struct {
	binPath  string
	wasmPath string
}

func newSubprocessSolver() *subprocessSolver {
	return &subprocessSolver{
		binPath:  os.Getenv("ROUTECODEX_DEEPSEEK_POW_SOLVER"),
		wasmPath: os.Getenv("ROUTECODEX_DEEPSEEK_POW_WASM"),
	}
}

func (s *subprocessSolver) Solve(ctx context.Context, ch powChallenge) (int64, error) {
	if s.binPath == "" {
		return 0, fmt.Errorf("no pow solver configured (ROUTECODEX_DEEPSEEK_POW_SOLVER)")
	}
	input, err := json.Marshal(ch)
	if err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithTimeout(ctx, deepseekPowTimeout)
	defer cancel()

	args := []string{}
	if s.wasmPath != "" {
		args = append(args, "--wasm", s.wasmPath)
	}
	cmd := exec.CommandContext(runCtx, s.binPath, args...)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("pow solver: %w", err)
	}
	answer, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pow solver output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return answer, nil
}

// DeepSeekProvider fronts the DeepSeek chat endpoint, which requires a
// cached chat session and a fresh proof-of-work header per request.
type DeepSeekProvider struct {
	*HTTPProvider

	solver   PowSolver
	sessions *gocache.Cache
}

// NewDeepSeekProvider creates the variant. A nil solver uses the external
// subprocess configured through the environment.
func NewDeepSeekProvider(cfg Config, cred auth.Credential, hooks pipeline.Hooks, solver PowSolver) *DeepSeekProvider {
	if cfg.Type == "" {
		cfg.Type = "deepseek"
	}
	if solver == nil {
		solver = newSubprocessSolver()
	}
	p := &DeepSeekProvider{
		HTTPProvider: NewHTTPProvider(cfg, cred, hooks),
		solver:       solver,
		sessions:     gocache.New(deepseekSessionTTL, deepseekSessionTTL),
	}
	p.prepare = p.preparePow
	return p
}

// Send injects the cached session into the body before the usual dispatch.
func (p *DeepSeekProvider) Send(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	wantStream := p.wantStream(req)
	body, err := p.encodeRequest(req, wantStream)
	if err != nil {
		return nil, errors.NewConversionError("encode upstream request: "+err.Error(), true)
	}

	sessionID, err := p.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "chat_session_id", sessionID)
	if err != nil {
		return nil, errors.NewConversionError("inject chat session: "+err.Error(), true)
	}
	return p.dispatch(ctx, req, body, wantStream)
}

// ensureSession returns the cached chat session, creating one upstream
// when the cache is cold or expired.
func (p *DeepSeekProvider) ensureSession(ctx context.Context) (string, error) {
	if v, ok := p.sessions.Get("session"); ok {
		return v.(string), nil
	}

	body, err := p.postJSON(ctx, deepseekSessionEndpoint, map[string]any{"character_id": nil})
	if err != nil {
		return "", errors.NewUpstreamError(p.cfg.ProviderID, "create chat session: "+err.Error()).WithCause(err)
	}
	var payload struct {
		Data struct {
			BizData struct {
				ID string `json:"id"`
			} `json:"biz_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data.BizData.ID == "" {
		return "", errors.NewUpstreamError(p.cfg.ProviderID, "chat session response missing id")
	}

	p.sessions.Set("session", payload.Data.BizData.ID, deepseekSessionTTL)
	return payload.Data.BizData.ID, nil
}

// preparePow fetches a challenge, solves it and sets the header. The
// challenge is single-use, so every attempt gets a fresh one; solver
// failures get one regeneration before giving up.
func (p *DeepSeekProvider) preparePow(ctx context.Context, _ int, header http.Header) error {
	var lastErr error
	for try := 0; try < deepseekPowMaxRetries; try++ {
		challenge, err := p.fetchChallenge(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		answer, err := p.solver.Solve(ctx, *challenge)
		if err != nil {
			lastErr = err
			continue
		}

		encoded, err := json.Marshal(powResponse{
			Algorithm:  challenge.Algorithm,
			Challenge:  challenge.Challenge,
			Salt:       challenge.Salt,
			Answer:     answer,
			Signature:  challenge.Signature,
			TargetPath: challenge.TargetPath,
		})
		if err != nil {
			return errors.NewUpstreamError(p.cfg.ProviderID, "encode pow response: "+err.Error()).WithCause(err)
		}
		header.Set("X-DS-Pow-Response", base64.StdEncoding.EncodeToString(encoded))
		return nil
	}
	return errors.NewUpstreamError(p.cfg.ProviderID, "pow challenge failed: "+lastErr.Error()).WithCause(lastErr)
}

func (p *DeepSeekProvider) fetchChallenge(ctx context.Context) (*powChallenge, error) {
	body, err := p.postJSON(ctx, deepseekChallengeEndpoint, map[string]any{"target_path": p.endpointPath()})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data struct {
			BizData struct {
				Challenge powChallenge `json:"challenge"`
			} `json:"biz_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	ch := payload.Data.BizData.Challenge
	if ch.Challenge == "" {
		return nil, fmt.Errorf("challenge response missing challenge")
	}
	if ch.TargetPath == "" {
		ch.TargetPath = p.endpointPath()
	}
	return &ch, nil
}

func (p *DeepSeekProvider) endpointPath() string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	return p.profile.ChatEndpoint
}

// postJSON issues an authenticated JSON POST to a ritual endpoint.
func (p *DeepSeekProvider) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := httputil.JoinURL(p.baseURL(), endpoint)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.cred != nil {
		authHeaders, err := p.cred.BuildHeaders(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range authHeaders {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	return httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
}
