package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/pkg/types"
)

func geminiTestCredential(t *testing.T, projectID string) *auth.OAuthCredential {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gemini-oauth.json")
	cred := auth.NewOAuthCredential(auth.OAuthConfig{
		ProviderID: "gemini",
		KeyID:      "default",
		Flow:       auth.DeviceFlowConfig{ClientID: "gemini-cli"},
		TokenPath:  path,
	}, nil)
	require.NoError(t, auth.NewTokenStore(path).Save(&auth.Token{
		AccessToken: "at-1",
		ProjectID:   projectID,
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}))
	require.NoError(t, cred.Initialize(context.Background()))
	return cred
}

func TestGeminiProvider_RequiresProject(t *testing.T) {
	cred := geminiTestCredential(t, "")
	p := NewGeminiProvider(Config{ProviderID: "gemini", BaseURL: "http://unused"}, cred, nil, nil)

	_, err := p.Send(context.Background(), chatPipelineRequest("gemini-2.5-pro", false))
	require.ErrorContains(t, err, "no cloud project")
}

func TestGeminiProvider_EncodeAndDecode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {
			"candidates": [{
				"content": {"parts": [{"text": "answer text"}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 5, "totalTokenCount": 17}
		}}`))
	}))
	defer srv.Close()

	cred := geminiTestCredential(t, "proj-1")
	p := NewGeminiProvider(Config{ProviderID: "gemini", BaseURL: srv.URL, Endpoint: "/v1internal:generateContent"}, cred, nil, nil)

	req := chatPipelineRequest("gemini-2.5-pro", false)
	temp := 0.2
	chatReq, _ := req.Payload.ChatRequest()
	chatReq.Temperature = &temp
	sys := types.ChatMessage{Role: "system"}
	sys.SetTextContent("be brief")
	chatReq.Messages = append([]types.ChatMessage{sys}, chatReq.Messages...)

	resp, err := p.Send(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, "gemini-2.5-pro", got["model"])
	require.Equal(t, "proj-1", got["project"])
	inner, ok := got["request"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, inner, "contents")
	require.Contains(t, inner, "systemInstruction")
	require.Contains(t, inner, "generationConfig")

	chatResp, ok := resp.Payload.ChatResponse()
	require.True(t, ok)
	require.Len(t, chatResp.Choices, 1)
	require.Equal(t, "answer text", chatResp.Choices[0].Message.TextContent())
	require.Equal(t, "stop", chatResp.Choices[0].FinishReason)
	require.Equal(t, 17, chatResp.Usage.TotalTokens)
}

func TestGeminiProvider_FallsBackOnRateLimit(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		models = append(models, body.Model)
		if body.Model == "gemini-2.5-pro" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "quota exceeded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {"candidates": [{"content": {"parts": [{"text": "fallback"}]}}]}}`))
	}))
	defer srv.Close()

	cred := geminiTestCredential(t, "proj-1")
	p := NewGeminiProvider(Config{
		ProviderID: "gemini",
		BaseURL:    srv.URL,
		Endpoint:   "/v1internal:generateContent",
		MaxRetries: 1,
	}, cred, nil, []string{"gemini-2.5-flash"})

	resp, err := p.Send(context.Background(), chatPipelineRequest("gemini-2.5-pro", false))
	require.NoError(t, err)
	require.Contains(t, models, "gemini-2.5-pro")
	require.Equal(t, "gemini-2.5-flash", models[len(models)-1])

	chatResp, ok := resp.Payload.ChatResponse()
	require.True(t, ok)
	require.Equal(t, "fallback", chatResp.Choices[0].Message.TextContent())
	require.Equal(t, "gemini-2.5-flash", chatResp.Model)
}

func TestDecodeGeminiResponse_ToolCallsAndFinishReasons(t *testing.T) {
	raw := []byte(`{
		"candidates": [{
			"content": {"parts": [
				{"text": "calling tool"},
				{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
			]},
			"finishReason": "MAX_TOKENS"
		}]
	}`)

	resp, err := decodeGeminiResponse(raw, "gemini-2.5-pro")
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	choice := resp.Choices[0]
	require.Equal(t, "tool_calls", choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	require.Equal(t, "get_weather", choice.Message.ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"city": "Oslo"}`, choice.Message.ToolCalls[0].Function.Arguments)
}

func TestDecodeGeminiResponse_SafetyMapsToContentFilter(t *testing.T) {
	raw := []byte(`{"candidates": [{"content": {"parts": [{"text": "blocked"}]}, "finishReason": "SAFETY"}]}`)
	resp, err := decodeGeminiResponse(raw, "m")
	require.NoError(t, err)
	require.Equal(t, "content_filter", resp.Choices[0].FinishReason)
}

func TestDecodeGeminiResponse_NoCandidates(t *testing.T) {
	_, err := decodeGeminiResponse([]byte(`{"candidates": []}`), "m")
	require.Error(t, err)
}
