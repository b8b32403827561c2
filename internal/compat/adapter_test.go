package compat

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/types"
)

func chatRequestPayload(req *types.ChatRequest) *pipeline.Request {
	return &pipeline.Request{Payload: types.ChatRequestPayload(req)}
}

func TestProfileFor_FallsBackToOpenAI(t *testing.T) {
	require.Equal(t, "qwen", ProfileFor("qwen").Name)
	require.Equal(t, "openai", ProfileFor("something-new").Name)
}

func TestAdapter_MaxTokensDefaultChain(t *testing.T) {
	t.Run("request value wins", func(t *testing.T) {
		mt := 100
		req := chatRequestPayload(&types.ChatRequest{Model: "gpt-4o", MaxTokens: &mt})
		require.NoError(t, NewAdapter(ProfileFor("openai"), 4096).ProcessIncoming(context.Background(), req))
		chatReq, _ := req.Payload.ChatRequest()
		require.Equal(t, 100, *chatReq.MaxTokens)
	})

	t.Run("config override", func(t *testing.T) {
		req := chatRequestPayload(&types.ChatRequest{Model: "gpt-4o"})
		require.NoError(t, NewAdapter(ProfileFor("openai"), 4096).ProcessIncoming(context.Background(), req))
		chatReq, _ := req.Payload.ChatRequest()
		require.Equal(t, 4096, *chatReq.MaxTokens)
	})

	t.Run("environment default", func(t *testing.T) {
		t.Setenv("ROUTECODEX_DEFAULT_MAX_TOKENS", "2048")
		req := chatRequestPayload(&types.ChatRequest{Model: "gpt-4o"})
		require.NoError(t, NewAdapter(ProfileFor("openai"), 0).ProcessIncoming(context.Background(), req))
		chatReq, _ := req.Payload.ChatRequest()
		require.Equal(t, 2048, *chatReq.MaxTokens)
	})

	t.Run("built-in fallback", func(t *testing.T) {
		req := chatRequestPayload(&types.ChatRequest{Model: "gpt-4o"})
		require.NoError(t, NewAdapter(ProfileFor("openai"), 0).ProcessIncoming(context.Background(), req))
		chatReq, _ := req.Payload.ChatRequest()
		require.Equal(t, fallbackMaxTokens, *chatReq.MaxTokens)
	})

	t.Run("anthropic max_tokens zero value", func(t *testing.T) {
		req := &pipeline.Request{Payload: types.MessagesRequestPayload(&types.MessagesRequest{Model: "claude"})}
		require.NoError(t, NewAdapter(ProfileFor("anthropic"), 1000).ProcessIncoming(context.Background(), req))
		msgReq, _ := req.Payload.MessagesRequest()
		require.Equal(t, 1000, msgReq.MaxTokens)
	})
}

func TestAdapter_ExtraHeaders(t *testing.T) {
	req := chatRequestPayload(&types.ChatRequest{Model: "gpt-5"})
	require.NoError(t, NewAdapter(ProfileFor("responses"), 0).ProcessIncoming(context.Background(), req))
	require.Equal(t, "responses-2024-12-17", req.Meta.ExtraHeaders["OpenAI-Beta"])
}

func TestAdapter_RestoresClientModelAndUsage(t *testing.T) {
	req := chatRequestPayload(&types.ChatRequest{Model: "my-alias"})
	req.Meta.ClientModel = "my-alias"

	resp := &pipeline.Response{
		Payload: types.ChatResponsePayload(&types.ChatResponse{
			Model:   "qwen3-max-2025",
			Choices: []types.Choice{{FinishReason: "stop"}},
			Usage:   &types.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		}),
	}
	require.NoError(t, NewAdapter(ProfileFor("openai"), 0).ProcessOutgoing(context.Background(), req, resp))

	chatResp, _ := resp.Payload.ChatResponse()
	require.Equal(t, "my-alias", chatResp.Model)
	require.Equal(t, "qwen3-max-2025", resp.Meta.UpstreamModel)
	require.Equal(t, 6, resp.Meta.Usage.TotalTokens)
}

func TestAdapter_ExtractsThinkBlocks(t *testing.T) {
	msg := types.ChatMessage{Role: "assistant"}
	msg.SetTextContent("<think>check the path first</think>The answer is 4.")

	req := chatRequestPayload(&types.ChatRequest{Model: "deepseek-chat"})
	resp := &pipeline.Response{
		Payload: types.ChatResponsePayload(&types.ChatResponse{
			Model:   "deepseek-chat",
			Choices: []types.Choice{{Message: msg, FinishReason: "stop"}},
		}),
	}
	require.NoError(t, NewAdapter(ProfileFor("deepseek"), 0).ProcessOutgoing(context.Background(), req, resp))

	chatResp, _ := resp.Payload.ChatResponse()
	require.Equal(t, "check the path first", chatResp.Choices[0].Message.ReasoningContent)
	require.Equal(t, "The answer is 4.", chatResp.Choices[0].Message.TextContent())
}

func TestAdapter_QwenFinishReasonMappingRule(t *testing.T) {
	req := chatRequestPayload(&types.ChatRequest{Model: "qwen3-max"})
	resp := &pipeline.Response{
		Payload: types.ChatResponsePayload(&types.ChatResponse{
			Model:   "qwen3-max",
			Choices: []types.Choice{{FinishReason: "eos"}},
		}),
	}
	require.NoError(t, NewAdapter(ProfileFor("qwen"), 0).ProcessOutgoing(context.Background(), req, resp))

	chatResp, _ := resp.Payload.ChatResponse()
	require.Equal(t, "stop", chatResp.Choices[0].FinishReason)
}

func TestAdapter_RepairsToolArgumentsAgainstSchema(t *testing.T) {
	req := chatRequestPayload(&types.ChatRequest{
		Model: "gpt-4o",
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:       "shell",
				Parameters: json.RawMessage(`{"properties": {"command": {"type": "array", "items": {"type": "string"}}}}`),
			},
		}},
	})
	resp := &pipeline.Response{
		Payload: types.ChatResponsePayload(&types.ChatResponse{
			Model: "gpt-4o",
			Choices: []types.Choice{{
				Message: types.ChatMessage{Role: "assistant", ToolCalls: []types.ToolCall{{
					ID: "call-1", Type: "function",
					Function: types.ToolCallFunction{Name: "shell", Arguments: `{"command": "ls, -la"}`},
				}}},
				FinishReason: "tool_calls",
			}},
		}),
	}
	require.NoError(t, NewAdapter(ProfileFor("openai"), 0).ProcessOutgoing(context.Background(), req, resp))

	chatResp, _ := resp.Payload.ChatResponse()
	require.JSONEq(t, `{"command": ["ls", "-la"]}`, chatResp.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestAdapter_SkipsStreams(t *testing.T) {
	req := chatRequestPayload(&types.ChatRequest{Model: "gpt-4o"})
	req.Meta.ClientModel = "gpt-4o"
	resp := &pipeline.Response{Payload: types.StreamPayload(nil)}
	require.NoError(t, NewAdapter(ProfileFor("openai"), 0).ProcessOutgoing(context.Background(), req, resp))
}

func TestSanitizeTools(t *testing.T) {
	strict := true
	tools := []types.Tool{{
		Type: "function",
		Function: types.ToolFunction{
			Name:   "edit",
			Strict: &strict,
			Parameters: json.RawMessage(`{
				"type": "object",
				"strict": true,
				"properties": {
					"target": {"oneOf": [{"type": "string"}, {"type": "number"}]}
				}
			}`),
		},
	}}

	out := SanitizeTools(tools)
	require.Nil(t, out[0].Function.Strict)

	var schema map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out[0].Function.Parameters, &schema))
	require.NotContains(t, schema, "strict")

	var props map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(schema["properties"], &props))
	require.NotContains(t, props["target"], "oneOf")
	require.JSONEq(t, `"string"`, string(props["target"]["type"]))
}

func TestSanitizeTools_ShellCommandBecomesArray(t *testing.T) {
	tools := []types.Tool{{
		Type: "function",
		Function: types.ToolFunction{
			Name:       "shell",
			Parameters: json.RawMessage(`{"properties": {"command": {"type": "string"}}}`),
		},
	}}

	out := SanitizeTools(tools)
	var schema struct {
		Properties struct {
			Command struct {
				Type  string `json:"type"`
				Items struct {
					Type string `json:"type"`
				} `json:"items"`
			} `json:"command"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(out[0].Function.Parameters, &schema))
	require.Equal(t, "array", schema.Properties.Command.Type)
	require.Equal(t, "string", schema.Properties.Command.Items.Type)
}

func TestApplyRules_Transforms(t *testing.T) {
	doc := []byte(`{"model": "vendor/qwen3-max", "finish": "END_TURN", "when": "2026-01-02T03:04:05Z"}`)
	rules := []MappingRule{
		{SourcePath: "model", TargetPath: "model", Transform: "normalizeModelName", Direction: DirectionBoth},
		{SourcePath: "finish", TargetPath: "finish_reason", Transform: "normalizeFinishReason", Direction: DirectionResponse, DeleteSource: true},
		{SourcePath: "when", TargetPath: "created", Transform: "timestamp", Direction: DirectionResponse, DeleteSource: true},
	}

	out, err := ApplyRules(doc, rules, DirectionResponse)
	require.NoError(t, err)
	require.JSONEq(t, `{"model": "qwen3-max", "finish_reason": "stop", "created": 1767323045}`, string(out))
}

func TestApplyRules_SkipsOtherDirection(t *testing.T) {
	doc := []byte(`{"finish": "eos"}`)
	rules := []MappingRule{
		{SourcePath: "finish", TargetPath: "finish", Transform: "normalizeFinishReason", Direction: DirectionResponse},
	}
	out, err := ApplyRules(doc, rules, DirectionRequest)
	require.NoError(t, err)
	require.JSONEq(t, `{"finish": "eos"}`, string(out))
}

func TestSplitReasoningBlocks(t *testing.T) {
	reasoning, rest := splitReasoningBlocks("<think>one</think>answer<think>two</think>")
	require.Equal(t, "one\ntwo", reasoning)
	require.Equal(t, "answer", rest)

	reasoning, rest = splitReasoningBlocks("no blocks here")
	require.Empty(t, reasoning)
	require.Equal(t, "no blocks here", rest)
}
