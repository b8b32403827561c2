package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

func chatPipelineRequest(model string, stream bool) *pipeline.Request {
	msg := types.ChatMessage{Role: "user"}
	msg.SetTextContent("hello")
	return &pipeline.Request{
		Payload: types.ChatRequestPayload(&types.ChatRequest{
			Model:    "client-model",
			Messages: []types.ChatMessage{msg},
		}),
		Route: pipeline.RouteDecision{
			RouteName:  "default",
			ProviderID: "test",
			ModelID:    model,
			KeyID:      "default",
			PipelineID: "test." + model + ".default",
			RequestID:  "req-1",
		},
		Meta: pipeline.Metadata{
			Endpoint:       "/v1/chat/completions",
			UpstreamStream: stream,
		},
	}
}

func chatCompletionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "m",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	require.NoError(t, err)
	return body
}

func TestHTTPProviderSend_AppliesRoutedModelAndStreamFlag(t *testing.T) {
	var got types.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatCompletionBody(t, "hi"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{ProviderID: "test", Type: "openai", BaseURL: srv.URL}, nil, nil)
	resp, err := p.Send(context.Background(), chatPipelineRequest("gpt-4o", false))
	require.NoError(t, err)

	require.Equal(t, "gpt-4o", got.Model)
	require.False(t, got.Stream)

	chatResp, ok := resp.Payload.ChatResponse()
	require.True(t, ok)
	require.Len(t, chatResp.Choices, 1)
}

func TestHTTPProviderSend_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatCompletionBody(t, "recovered"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{ProviderID: "test", Type: "openai", BaseURL: srv.URL, MaxRetries: 3}, nil, nil)
	resp, err := p.Send(context.Background(), chatPipelineRequest("gpt-4o", false))
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 2, resp.Meta.RetryAttempts)
}

func TestHTTPProviderSend_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "code": "invalid_request"}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{ProviderID: "test", Type: "openai", BaseURL: srv.URL, MaxRetries: 3}, nil, nil)
	_, err := p.Send(context.Background(), chatPipelineRequest("gpt-4o", false))
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())

	ge := errors.AsGatewayError(err)
	require.Equal(t, http.StatusBadRequest, ge.UpstreamStatus)
}

func TestHTTPProviderSend_RateLimitIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatCompletionBody(t, "ok"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{ProviderID: "test", Type: "openai", BaseURL: srv.URL, MaxRetries: 2}, nil, nil)
	_, err := p.Send(context.Background(), chatPipelineRequest("gpt-4o", false))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestHTTPProviderSend_StreamPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req types.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{ProviderID: "test", Type: "openai", BaseURL: srv.URL}, nil, nil)
	resp, err := p.Send(context.Background(), chatPipelineRequest("gpt-4o", true))
	require.NoError(t, err)

	stream, ok := resp.Payload.Stream()
	require.True(t, ok)
	defer stream.Close()

	raw, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "[DONE]")
}

func TestHTTPProviderSend_ClientDisconnectedSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{ProviderID: "test", Type: "openai", BaseURL: srv.URL}, nil, nil)
	req := chatPipelineRequest("gpt-4o", false)
	req.Meta.ClientGone = func() bool { return true }

	_, err := p.Send(context.Background(), req)
	require.ErrorContains(t, err, "client disconnected")
	require.Zero(t, calls.Load())
}

func TestBuildHeaders_Precedence(t *testing.T) {
	p := NewHTTPProvider(Config{
		ProviderID: "test",
		Type:       "anthropic",
		Headers:    map[string]string{"anthropic-version": "2024-10-22"},
	}, nil, nil)

	req := chatPipelineRequest("claude", false)
	req.Meta.ExtraHeaders = map[string]string{"anthropic-beta": "output-128k"}

	header, err := p.buildHeaders(context.Background(), req, false)
	require.NoError(t, err)
	// Config overrides the profile default version.
	require.Equal(t, "2024-10-22", header.Get("anthropic-version"))
	require.Equal(t, "output-128k", header.Get("anthropic-beta"))
	require.Equal(t, "application/json", header.Get("Accept"))
}

func TestRetryableError_Classification(t *testing.T) {
	require.True(t, retryableError(errors.FromUpstream("k", http.StatusServiceUnavailable, nil)))
	require.True(t, retryableError(errors.FromUpstream("k", http.StatusTooManyRequests, nil)))
	require.False(t, retryableError(errors.FromUpstream("k", http.StatusUnauthorized, nil)))
	require.True(t, retryableError(errors.NewRequestTimeoutError("k", "deadline")))
	require.False(t, retryableError(errors.NewValidationError("bad")))
}

func TestHTTPProviderSend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{
		ProviderID: "test",
		Type:       "openai",
		BaseURL:    srv.URL,
		Timeout:    50 * time.Millisecond,
		MaxRetries: 1,
	}, nil, nil)

	_, err := p.Send(context.Background(), chatPipelineRequest("gpt-4o", false))
	require.Error(t, err)
	ge := errors.AsGatewayError(err)
	require.Equal(t, errors.KindRequestTimeout, ge.Kind)
}
