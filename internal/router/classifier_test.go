package router

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/pkg/types"
)

func testClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(config.RouterConfig{
		Thresholds: config.ThresholdConfig{LongContext: 1000},
		ModelPatterns: map[string]string{
			`^o[13]`: "thinking",
		},
	})
}

func chatPayload(req *types.ChatRequest) types.Payload {
	return types.ChatRequestPayload(req)
}

func textMessage(role, text string) types.ChatMessage {
	msg := types.ChatMessage{Role: role}
	msg.SetTextContent(text)
	return msg
}

func TestClassify_Default(t *testing.T) {
	c := testClassifier(t)
	route := c.Classify(chatPayload(&types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{textMessage("user", "hello")},
	}))
	require.Equal(t, "default", route)
}

func TestClassify_LongContextWins(t *testing.T) {
	c := testClassifier(t)
	big := strings.Repeat("word ", 5000)
	route := c.Classify(chatPayload(&types.ChatRequest{
		Model:    "o1",
		Messages: []types.ChatMessage{textMessage("user", big)},
		Tools: []types.Tool{{
			Type:     "function",
			Function: types.ToolFunction{Name: "web_search"},
		}},
	}))
	require.Equal(t, "longcontext", route)
}

func TestClassify_WebSearchBeatsThinking(t *testing.T) {
	c := testClassifier(t)
	route := c.Classify(chatPayload(&types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{textMessage("user", "look this up")},
		Tools: []types.Tool{{
			Type:     "function",
			Function: types.ToolFunction{Name: "webSearch"},
		}},
		Thinking: json.RawMessage(`true`),
	}))
	require.Equal(t, "webSearch", route)
}

func TestClassify_ThinkingVariants(t *testing.T) {
	c := testClassifier(t)
	for _, raw := range []string{`true`, `{"enabled": true}`, `{"type": "enabled"}`} {
		route := c.Classify(chatPayload(&types.ChatRequest{
			Model:    "gpt-4o",
			Messages: []types.ChatMessage{textMessage("user", "think hard")},
			Thinking: json.RawMessage(raw),
		}))
		require.Equal(t, "thinking", route, "thinking=%s", raw)
	}

	route := c.Classify(chatPayload(&types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{textMessage("user", "no thinking")},
		Thinking: json.RawMessage(`{"enabled": false}`),
	}))
	require.Equal(t, "default", route)
}

func TestClassify_ModelPattern(t *testing.T) {
	c := testClassifier(t)
	route := c.Classify(chatPayload(&types.ChatRequest{
		Model:    "o3-mini",
		Messages: []types.ChatMessage{textMessage("user", "hi")},
	}))
	require.Equal(t, "thinking", route)
}

func TestClassify_PlainToolsRoute(t *testing.T) {
	c := testClassifier(t)
	route := c.Classify(chatPayload(&types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{textMessage("user", "use the tool")},
		Tools: []types.Tool{{
			Type:     "function",
			Function: types.ToolFunction{Name: "get_weather"},
		}},
	}))
	require.Equal(t, "tools", route)
}

func TestClassify_ResponsesWebSearchType(t *testing.T) {
	c := testClassifier(t)
	route := c.Classify(types.ResponsesRequestPayload(&types.ResponsesRequest{
		Model: "gpt-4o",
		Tools: []types.ResponsesTool{{Type: "web_search_preview"}},
	}))
	require.Equal(t, "webSearch", route)
}
