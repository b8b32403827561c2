package provider

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	initialBackoff    = 500 * time.Millisecond
)

// Config configures one provider transport instance.
type Config struct {
	ProviderID string
	Type       string

	// BaseURL and Endpoint override the service profile when set. An
	// absolute Endpoint replaces the base entirely.
	BaseURL  string
	Endpoint string

	// Headers are config-level overrides, above service defaults and
	// below auth headers.
	Headers map[string]string

	Timeout    time.Duration
	MaxRetries int

	// AlwaysStream forces stream=true upstream.
	AlwaysStream bool

	// SSELogDir enables raw stream capture to
	// <dir>/<requestId>_server.sse.log when non-empty.
	SSELogDir string
}

// HTTPProvider issues the upstream POST and returns either a decoded JSON
// payload or a live stream. It implements pipeline.Provider.
type HTTPProvider struct {
	cfg     Config
	profile *ServiceProfile
	cred    auth.Credential
	client  *http.Client
	hooks   pipeline.Hooks

	// prepare runs before each attempt; DeepSeek injects its PoW header
	// here.
	prepare func(ctx context.Context, attempt int, header http.Header) error

	// decodeRaw keeps the response body undecoded for variants whose wire
	// shape differs from the request dialect (Gemini Cloud Code).
	decodeRaw bool
}

// NewHTTPProvider creates the transport. cred may be nil for providers
// that need no auth (local servers).
func NewHTTPProvider(cfg Config, cred auth.Credential, hooks pipeline.Hooks) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if hooks == nil {
		hooks = pipeline.NopHooks{}
	}
	profile := ServiceProfileFor(cfg.Type)
	return &HTTPProvider{
		cfg:     cfg,
		profile: profile,
		cred:    cred,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.Timeout,
				Proxy:                 http.ProxyFromEnvironment,
			},
		},
		hooks: hooks,
	}
}

// Name implements pipeline.Provider.
func (p *HTTPProvider) Name() string { return p.cfg.ProviderID }

// Send implements pipeline.Provider.
func (p *HTTPProvider) Send(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	wantStream := p.wantStream(req)
	body, err := p.encodeRequest(req, wantStream)
	if err != nil {
		return nil, errors.NewConversionError("encode upstream request: "+err.Error(), true)
	}
	return p.dispatch(ctx, req, body, wantStream)
}

// wantStream reports whether the upstream request streams.
func (p *HTTPProvider) wantStream(req *pipeline.Request) bool {
	return req.Meta.UpstreamStream || p.cfg.AlwaysStream || p.profile.AlwaysStream
}

// encodeRequest serializes the payload with the routed upstream model and
// the streaming decision applied.
func (p *HTTPProvider) encodeRequest(req *pipeline.Request, wantStream bool) ([]byte, error) {
	if model := req.Route.ModelID; model != "" {
		switch {
		case req.Payload.Kind() == types.KindChatRequest:
			r, _ := req.Payload.ChatRequest()
			r.Model = model
		case req.Payload.Kind() == types.KindResponsesRequest:
			r, _ := req.Payload.ResponsesRequest()
			r.Model = model
		case req.Payload.Kind() == types.KindMessagesRequest:
			r, _ := req.Payload.MessagesRequest()
			r.Model = model
		}
	}
	if chatReq, ok := req.Payload.ChatRequest(); ok {
		chatReq.Stream = wantStream
	}
	if respReq, ok := req.Payload.ResponsesRequest(); ok {
		respReq.Stream = wantStream
	}
	if msgReq, ok := req.Payload.MessagesRequest(); ok {
		msgReq.Stream = wantStream
	}
	return json.Marshal(req.Payload)
}

// endpoint picks the path for the payload kind.
func (p *HTTPProvider) endpoint(req *pipeline.Request) string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	switch req.Payload.Kind() {
	case types.KindResponsesRequest:
		if p.profile.ResponsesEndpoint != "" {
			return p.profile.ResponsesEndpoint
		}
	case types.KindMessagesRequest:
		if p.profile.MessagesEndpoint != "" {
			return p.profile.MessagesEndpoint
		}
	}
	if p.profile.ChatEndpoint != "" {
		return p.profile.ChatEndpoint
	}
	return "/chat/completions"
}

func (p *HTTPProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return p.profile.BaseURL
}

// buildHeaders assembles the outbound header set: service defaults, then
// config overrides, then compatibility extras, then auth.
func (p *HTTPProvider) buildHeaders(ctx context.Context, req *pipeline.Request, wantStream bool) (http.Header, error) {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if wantStream {
		header.Set("Accept", "text/event-stream")
	} else {
		header.Set("Accept", "application/json")
	}

	for k, v := range p.profile.DefaultHeaders {
		header.Set(k, v)
	}
	for k, v := range p.cfg.Headers {
		header.Set(k, v)
	}
	for k, v := range req.Meta.ExtraHeaders {
		header.Set(k, v)
	}
	if p.cred != nil {
		authHeaders, err := p.cred.BuildHeaders(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range authHeaders {
			header.Set(k, v)
		}
	}
	return header, nil
}

// dispatch runs the retry loop around one logical upstream call. Retries
// happen only before any response byte has been produced; a stream, once
// returned, is never retried.
func (p *HTTPProvider) dispatch(ctx context.Context, req *pipeline.Request, body []byte, wantStream bool) (*pipeline.Response, error) {
	providerKey := req.Route.ProviderKey()
	url := httputil.JoinURL(p.baseURL(), p.endpoint(req))

	header, err := p.buildHeaders(ctx, req, wantStream)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if req.Meta.Disconnected() {
			return nil, errors.NewUpstreamError(providerKey, "client disconnected before upstream call")
		}
		if attempt > 0 {
			p.hooks.Snapshot(ctx, snapshot.Record{
				Phase:       snapshot.PhaseProviderRequest.Retry(),
				Endpoint:    req.Meta.Endpoint,
				RequestID:   req.Route.RequestID,
				ProviderKey: providerKey,
				URL:         url,
				Body:        body,
				Attempt:     attempt,
			})
			p.hooks.Metric(ctx, "provider_retries", 1,
				map[string]string{"provider": p.cfg.ProviderID})
			select {
			case <-time.After(initialBackoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, errors.NewRequestTimeoutError(providerKey, ctx.Err().Error()).WithCause(ctx.Err())
			}
		}

		if p.prepare != nil {
			if err := p.prepare(ctx, attempt, header); err != nil {
				return nil, err
			}
		}

		resp, err := p.attempt(ctx, req, url, header, body, wantStream)
		if err == nil {
			resp.Meta.RetryAttempts = attempt
			return resp, nil
		}
		lastErr = err
		if !retryableError(err) {
			return nil, err
		}
		p.hooks.Log(ctx, "warn", "upstream attempt failed, retrying",
			"provider_key", providerKey, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// attempt performs one HTTP round trip.
func (p *HTTPProvider) attempt(ctx context.Context, req *pipeline.Request, url string, header http.Header, body []byte, wantStream bool) (*pipeline.Response, error) {
	providerKey := req.Route.ProviderKey()

	callCtx := ctx
	var cancel context.CancelFunc
	if !wantStream {
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewUpstreamError(providerKey, "build request: "+err.Error()).WithCause(err)
	}
	httpReq.Header = header.Clone()

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.NewRequestTimeoutError(providerKey, err.Error()).WithCause(err)
		}
		return nil, errors.NewUpstreamError(providerKey, err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		errBody, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
		return nil, errors.FromUpstream(providerKey, resp.StatusCode, errBody)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return p.streamResponse(req, resp), nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return nil, errors.NewUpstreamError(providerKey, "read response: "+err.Error()).WithCause(err)
	}
	var payload types.Payload
	if p.decodeRaw {
		payload = types.RawPayload(respBody)
	} else {
		payload, err = decodeResponsePayload(req.Payload.Kind(), respBody)
		if err != nil {
			return nil, errors.NewConversionError("decode upstream response: "+err.Error(), false)
		}
	}
	return &pipeline.Response{
		Payload: payload,
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}, nil
}

// streamResponse wraps the body in a tee so the raw SSE ends up in the
// provider-response snapshot when the stream closes.
func (p *HTTPProvider) streamResponse(req *pipeline.Request, resp *http.Response) *pipeline.Response {
	endpoint := req.Meta.Endpoint
	requestID := req.Route.RequestID
	groupID := ""
	providerKey := req.Route.ProviderKey()

	tee := snapshot.NewTeeReader(resp.Body, func(raw string, truncated bool) {
		mode := "sse"
		if truncated {
			mode = "sse-truncated"
		}
		p.hooks.Snapshot(context.Background(), snapshot.Record{
			Phase:       snapshot.PhaseProviderResponse,
			Endpoint:    endpoint,
			RequestID:   requestID,
			GroupID:     groupID,
			ProviderKey: providerKey,
			Mode:        mode,
			Text:        raw,
		})
	})
	if p.cfg.SSELogDir != "" && requestID != "" {
		tee.CaptureToFile(filepath.Join(p.cfg.SSELogDir, requestID+"_server.sse.log"))
	}

	stream := types.NewStream(tee, resp.Header.Get("Content-Type"), upstreamDialect(req.Payload.Kind()))
	return &pipeline.Response{
		Payload: types.StreamPayload(stream),
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}
}

// upstreamDialect names the SSE vocabulary the upstream speaks for a
// request kind.
func upstreamDialect(kind types.PayloadKind) types.Protocol {
	switch kind {
	case types.KindResponsesRequest:
		return types.ProtocolResponses
	case types.KindMessagesRequest:
		return types.ProtocolAnthropic
	default:
		return types.ProtocolChat
	}
}

// decodeResponsePayload parses the upstream JSON into the response kind
// matching the request kind.
func decodeResponsePayload(reqKind types.PayloadKind, body []byte) (types.Payload, error) {
	switch reqKind {
	case types.KindChatRequest, types.KindCompletionRequest:
		var v types.ChatResponse
		if err := json.Unmarshal(body, &v); err != nil {
			return types.Payload{}, err
		}
		return types.ChatResponsePayload(&v), nil
	case types.KindResponsesRequest:
		var v types.ResponsesResponse
		if err := json.Unmarshal(body, &v); err != nil {
			return types.Payload{}, err
		}
		return types.ResponsesResponsePayload(&v), nil
	case types.KindMessagesRequest:
		var v types.MessagesResponse
		if err := json.Unmarshal(body, &v); err != nil {
			return types.Payload{}, err
		}
		return types.MessagesResponsePayload(&v), nil
	default:
		return types.RawPayload(body), nil
	}
}

// retryableError reports whether a failed attempt may be retried.
func retryableError(err error) bool {
	ge := errors.AsGatewayError(err)
	if ge != nil {
		if ge.Kind == errors.KindRequestTimeout {
			return true
		}
		if ge.UpstreamStatus > 0 {
			return errors.RetryableStatus(ge.UpstreamStatus)
		}
		if ge.Kind == errors.KindUpstream {
			return retryableNetError(stderrors.Unwrap(err))
		}
		return false
	}
	return retryableNetError(err)
}

// retryableNetError matches the transient network failures worth another
// attempt: timeouts, resets, refusals and DNS blips.
func retryableNetError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return true
	}
	return stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ETIMEDOUT) ||
		stderrors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

var _ pipeline.Provider = (*HTTPProvider)(nil)
