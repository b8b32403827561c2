package tokenizer

import (
	"strings"
	"testing"

	"github.com/routecodex/routecodex/pkg/types"
)

func TestCountTextGrowsWithInput(t *testing.T) {
	short := CountText("gpt-4", "hello")
	long := CountText("gpt-4", strings.Repeat("hello world ", 200))
	if short <= 0 {
		t.Fatalf("short count = %d, want > 0", short)
	}
	if long <= short {
		t.Errorf("long count %d should exceed short count %d", long, short)
	}
}

func TestCountTextUnknownModelFallsBack(t *testing.T) {
	// Unknown models use the default encoding or the char ratio; either
	// way the count must be positive and roughly proportional.
	n := CountText("totally-unknown-model-xyz", strings.Repeat("a", 400))
	if n <= 0 {
		t.Fatalf("fallback count = %d, want > 0", n)
	}
}

func TestEstimateChatTokensIncludesTools(t *testing.T) {
	base := &types.ChatRequest{
		Model:    "gpt-4",
		Messages: []types.ChatMessage{userMessage("what is the weather")},
	}
	withTools := &types.ChatRequest{
		Model:    "gpt-4",
		Messages: []types.ChatMessage{userMessage("what is the weather")},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:        "get_weather",
				Description: "look up current weather",
				Parameters:  []byte(`{"type":"object","properties":{"location":{"type":"string"}}}`),
			},
		}},
	}

	if EstimateChatTokens(withTools) <= EstimateChatTokens(base) {
		t.Error("tool declarations should add to the estimate")
	}
}

func TestEstimateResponsesTokensFromStringInput(t *testing.T) {
	req := &types.ResponsesRequest{
		Model: "gpt-4",
		Input: []byte(`"summarize the following document"`),
	}
	if n := EstimateResponsesTokens(req); n <= 0 {
		t.Errorf("estimate = %d, want > 0", n)
	}
}

func TestEstimateMessagesTokensCountsSystem(t *testing.T) {
	withSystem := &types.MessagesRequest{
		Model:  "claude-3-5-sonnet",
		System: []byte(`"you are a precise assistant with a very long preamble"`),
		Messages: []types.AnthropicMessage{
			{Role: "user", Content: []byte(`"hi"`)},
		},
	}
	bare := &types.MessagesRequest{
		Model: "claude-3-5-sonnet",
		Messages: []types.AnthropicMessage{
			{Role: "user", Content: []byte(`"hi"`)},
		},
	}
	if EstimateMessagesTokens(withSystem) <= EstimateMessagesTokens(bare) {
		t.Error("system prompt should add to the estimate")
	}
}

func userMessage(text string) types.ChatMessage {
	msg := types.ChatMessage{Role: "user"}
	msg.SetTextContent(text)
	return msg
}
