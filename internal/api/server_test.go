package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/observability"
)

// testConfig builds a minimal valid config pointing every route at the
// given upstream. Defaults are normally applied by config.Load, so the
// fields Build reads are set explicitly here.
func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	t.Setenv("OPENAI_TEST_KEY", "sk-test")

	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         5506,
			MaxBodyBytes: 1 << 20,
		},
		Providers: map[string]config.ProviderConfig{
			"openai": {
				Type:     "openai",
				BaseURL:  upstreamURL,
				Endpoint: "/v1/chat/completions",
				Models: map[string]config.ModelConfig{
					"gpt-4o-upstream": {},
				},
				Auth: config.AuthConfig{
					Kind: "apikey",
					Keys: map[string]string{"default": "env://OPENAI_TEST_KEY"},
				},
				TimeoutMs:  5_000,
				MaxRetries: 1,
			},
		},
		Routes: map[string][]string{
			"default": {"openai.gpt-4o-upstream"},
		},
		Router: config.RouterConfig{
			Thresholds: config.ThresholdConfig{
				Medium: 1000, Long: 8000, VeryLong: 32000, LongContext: 24000,
			},
		},
		Pipeline: config.PipelineConfig{
			MaxWaitMs:   10_000,
			HeartbeatMs: 50,
		},
		Snapshots: config.SnapshotConfig{Enabled: false, Dir: t.TempDir()},
		Health:    config.HealthConfig{Enabled: false, CooldownMs: 60_000},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := observability.NewLogger("error", io.Discard, nil)
	gw, err := Build(t.Context(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return NewServer(gw, nil)
}

func postJSON(t *testing.T, url string, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChatCompletions_JSONRoundTrip(t *testing.T) {
	var upstreamAuth string
	var upstreamModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		upstreamAuth = r.Header.Get("Authorization")

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		upstreamModel, _ = req["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-upstream",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "hello there"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`))
	}))
	defer upstream.Close()

	server := newTestGateway(t, testConfig(t, upstream.URL))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp := postJSON(t, front.URL+"/v1/chat/completions",
		`{"model": "gpt-4o", "messages": [{"role": "user", "content": "hi"}]}`, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Bearer sk-test", upstreamAuth)
	require.Equal(t, "gpt-4o-upstream", upstreamModel)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	// The client sees its own model name, not the routed one.
	require.Equal(t, "gpt-4o", out.Model)
	require.Len(t, out.Choices, 1)
	require.Equal(t, "hello there", out.Choices[0].Message.Content)
	require.Equal(t, "stop", out.Choices[0].FinishReason)
	require.Equal(t, 12, out.Usage.TotalTokens)
}

func TestChatCompletions_SSEPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	server := newTestGateway(t, testConfig(t, upstream.URL))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp := postJSON(t, front.URL+"/v1/chat/completions",
		`{"model": "gpt-4o", "stream": true, "messages": [{"role": "user", "content": "hi"}]}`, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "chat.completion.chunk")
	require.Contains(t, string(body), "data: [DONE]")
}

func TestChatCompletions_UpstreamErrorEnvelope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`))
	}))
	defer upstream.Close()

	server := newTestGateway(t, testConfig(t, upstream.URL))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp := postJSON(t, front.URL+"/v1/chat/completions",
		`{"model": "gpt-4o", "messages": [{"role": "user", "content": "hi"}]}`, nil)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var out struct {
		Error struct {
			Message        string `json:"message"`
			Code           string `json:"code"`
			RequestID      string `json:"request_id"`
			UpstreamStatus int    `json:"upstream_status"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "authentication_error", out.Error.Code)
	require.Equal(t, http.StatusUnauthorized, out.Error.UpstreamStatus)
	require.NotEmpty(t, out.Error.RequestID)
	require.Contains(t, out.Error.Message, "invalid api key")
}

func TestChatCompletions_MalformedBody(t *testing.T) {
	server := newTestGateway(t, testConfig(t, "http://127.0.0.1:1"))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp := postJSON(t, front.URL+"/v1/chat/completions", `{"model": `, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "validation_error", out.Error.Code)
}

func TestChatCompletions_NoRouteConfigured(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Routes = map[string][]string{}
	server := newTestGateway(t, cfg)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp := postJSON(t, front.URL+"/v1/chat/completions",
		`{"model": "gpt-4o", "messages": [{"role": "user", "content": "hi"}]}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "pipeline_unavailable", out.Error.Code)
}

func TestCompletions_LegacyShapeRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Messages, 1)
		require.Equal(t, "user", req.Messages[0].Role)
		require.Equal(t, "Say hi", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"model": "gpt-4o-upstream",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "hi"},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer upstream.Close()

	server := newTestGateway(t, testConfig(t, upstream.URL))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp := postJSON(t, front.URL+"/v1/completions",
		`{"model": "gpt-4o", "prompt": "Say hi"}`, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "text_completion", out.Object)
	require.Len(t, out.Choices, 1)
	require.Equal(t, "hi", out.Choices[0].Text)
}

func TestRequestIDEcho(t *testing.T) {
	server := newTestGateway(t, testConfig(t, "http://127.0.0.1:1"))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "client-supplied-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "client-supplied-1", resp.Header.Get("X-Request-Id"))
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestGateway(t, testConfig(t, "http://127.0.0.1:1"))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.JSONEq(t, `{"status": "ok"}`, string(body))
}

func TestModelsCatalog(t *testing.T) {
	server := newTestGateway(t, testConfig(t, "http://127.0.0.1:1"))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 1)
	require.Equal(t, "gpt-4o-upstream", out.Data[0].ID)
	require.Equal(t, "model", out.Data[0].Object)
	require.Equal(t, "openai", out.Data[0].OwnedBy)
}

func TestAdminConfig_GetMasksSecrets(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Vault.Token = "hvs.secret-token"
	cfg.Redis.Password = "redis-pass"
	server := newTestGateway(t, cfg)
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/admin/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	require.NotContains(t, string(body), "hvs.secret-token")
	require.NotContains(t, string(body), "redis-pass")
	require.Contains(t, string(body), "***")
}

func TestAdminConfig_PostValidatesAndPersists(t *testing.T) {
	server := newTestGateway(t, testConfig(t, "http://127.0.0.1:1"))
	front := httptest.NewServer(server.Handler())
	defer front.Close()

	// Invalid config is rejected before anything is written.
	resp := postJSON(t, front.URL+"/admin/config", `{"server": {"port": -1}}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Valid config without a persist path is rejected too.
	resp = postJSON(t, front.URL+"/admin/config", `{"server": {"port": 5506}}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	path := filepath.Join(t.TempDir(), "config.json")
	server.ConfigPath = path
	resp = postJSON(t, front.URL+"/admin/config", `{"server": {"port": 5506}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "accepted", status.Status)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Contains(written, []byte("5506")))
}

func TestBuild_RejectsUnresolvableKey(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Providers["openai"] = config.ProviderConfig{
		Type: "openai",
		Auth: config.AuthConfig{
			Kind: "apikey",
			Keys: map[string]string{"default": "env://ROUTECODEX_TEST_KEY_THAT_IS_NOT_SET"},
		},
	}
	cfg.Routes = map[string][]string{}

	logger := observability.NewLogger("error", io.Discard, nil)
	_, err := Build(t.Context(), cfg, logger)
	require.Error(t, err)
}
