package llmswitch

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/types"
)

func textMessage(role, text string) types.ChatMessage {
	msg := types.ChatMessage{Role: role}
	msg.SetTextContent(text)
	return msg
}

func TestNormalizeToolCallArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"properties": {
			"command": {"type": "array", "items": {"type": "string"}},
			"reason": {"type": "string"}
		}
	}`)

	tests := []struct {
		name    string
		args    string
		want    string
		changed bool
	}{
		{
			name:    "stringified array becomes array",
			args:    `{"command": "[\"ls\", \"-la\"]"}`,
			want:    `{"command":["ls","-la"]}`,
			changed: true,
		},
		{
			name:    "comma separated string becomes array",
			args:    `{"command": "git, status"}`,
			want:    `{"command":["git","status"]}`,
			changed: true,
		},
		{
			name:    "array joins into string property",
			args:    `{"reason": ["need", "files"]}`,
			want:    `{"reason":"need files"}`,
			changed: true,
		},
		{
			name:    "double encoded object unwraps",
			args:    `"{\"reason\": \"ok\"}"`,
			want:    `{"reason":"ok"}`,
			changed: true,
		},
		{
			name:    "well formed arguments untouched",
			args:    `{"command": ["ls"], "reason": "ok"}`,
			changed: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := NormalizeToolCallArguments(schema, tc.args)
			require.Equal(t, tc.changed, changed)
			if tc.changed {
				require.JSONEq(t, tc.want, got)
			} else {
				require.Equal(t, tc.args, got)
			}
		})
	}
}

func TestSwitch_SameProtocolNormalization(t *testing.T) {
	sw := New(types.ProtocolChat)

	req := &pipeline.Request{
		Payload: types.ChatRequestPayload(&types.ChatRequest{
			Model: "gpt-4o",
			Messages: []types.ChatMessage{
				textMessage("", "hello"),
				{Role: "assistant", ToolCalls: []types.ToolCall{{ID: "call-1"}}},
			},
		}),
		Meta: pipeline.Metadata{Protocol: types.ProtocolChat},
	}
	require.NoError(t, sw.ProcessIncoming(context.Background(), req))

	chatReq, ok := req.Payload.ChatRequest()
	require.True(t, ok)
	require.Equal(t, "user", chatReq.Messages[0].Role)
	require.Equal(t, "function", chatReq.Messages[1].ToolCalls[0].Type)
}

func TestSwitch_SameProtocolRejectsEmptyMessages(t *testing.T) {
	sw := New(types.ProtocolChat)
	req := &pipeline.Request{
		Payload: types.ChatRequestPayload(&types.ChatRequest{Model: "gpt-4o"}),
		Meta:    pipeline.Metadata{Protocol: types.ProtocolChat},
	}
	err := sw.ProcessIncoming(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "messages must not be empty")
}

func TestAnthropicToChatRequest(t *testing.T) {
	req := &types.MessagesRequest{
		Model:         "claude-sonnet",
		MaxTokens:     1024,
		StopSequences: []string{"END"},
		System:        json.RawMessage(`"be brief"`),
		ToolChoice:    json.RawMessage(`{"type": "any"}`),
		Messages: []types.AnthropicMessage{
			{Role: "user", Content: json.RawMessage(`"what is in /tmp?"`)},
			{Role: "assistant", Content: json.RawMessage(`[
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "list_dir", "input": {"path": "/tmp"}}
			]`)},
			{Role: "user", Content: json.RawMessage(`[
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "a.txt"}
			]`)},
		},
		Tools: []types.AnthropicTool{{
			Name:        "list_dir",
			InputSchema: json.RawMessage(`{"type": "object"}`),
		}},
	}

	out, err := AnthropicToChatRequest(req)
	require.NoError(t, err)

	require.Equal(t, "claude-sonnet", out.Model)
	require.NotNil(t, out.MaxTokens)
	require.Equal(t, 1024, *out.MaxTokens)
	require.JSONEq(t, `["END"]`, string(out.Stop))
	require.JSONEq(t, `"required"`, string(out.ToolChoice))

	require.Len(t, out.Messages, 4)
	require.Equal(t, "system", out.Messages[0].Role)
	require.Equal(t, "be brief", out.Messages[0].TextContent())
	require.Equal(t, "user", out.Messages[1].Role)

	assistant := out.Messages[2]
	require.Equal(t, "assistant", assistant.Role)
	require.Equal(t, "Let me check.", assistant.TextContent())
	require.Len(t, assistant.ToolCalls, 1)
	require.Equal(t, "toolu_1", assistant.ToolCalls[0].ID)
	require.Equal(t, "list_dir", assistant.ToolCalls[0].Function.Name)

	toolMsg := out.Messages[3]
	require.Equal(t, "tool", toolMsg.Role)
	require.Equal(t, "toolu_1", toolMsg.ToolCallID)
	require.Equal(t, "a.txt", toolMsg.TextContent())

	require.Len(t, out.Tools, 1)
	require.Equal(t, "function", out.Tools[0].Type)
	require.Equal(t, "list_dir", out.Tools[0].Function.Name)
}

func TestChatToAnthropicRequest(t *testing.T) {
	mt := 2048
	req := &types.ChatRequest{
		Model:     "claude-sonnet",
		MaxTokens: &mt,
		Stop:      json.RawMessage(`"END"`),
		Messages: []types.ChatMessage{
			textMessage("system", "be brief"),
			textMessage("user", "list files"),
			{Role: "assistant", ToolCalls: []types.ToolCall{{
				ID: "call-1", Type: "function",
				Function: types.ToolCallFunction{Name: "list_dir", Arguments: `{"path": "/tmp"}`},
			}}},
			{Role: "tool", ToolCallID: "call-1", Content: json.RawMessage(`"a.txt"`)},
		},
		ToolChoice: json.RawMessage(`"required"`),
	}

	out, err := ChatToAnthropicRequest(req)
	require.NoError(t, err)

	require.Equal(t, 2048, out.MaxTokens)
	require.Equal(t, []string{"END"}, out.StopSequences)
	require.JSONEq(t, `"be brief"`, string(out.System))
	require.JSONEq(t, `{"type": "any"}`, string(out.ToolChoice))

	require.Len(t, out.Messages, 3)
	require.Equal(t, "user", out.Messages[0].Role)

	var assistantBlocks []types.ContentBlock
	require.NoError(t, json.Unmarshal(out.Messages[1].Content, &assistantBlocks))
	require.Len(t, assistantBlocks, 1)
	require.Equal(t, "tool_use", assistantBlocks[0].Type)
	require.Equal(t, "call-1", assistantBlocks[0].ID)
	require.Equal(t, "list_dir", assistantBlocks[0].Name)

	var resultBlocks []types.ContentBlock
	require.NoError(t, json.Unmarshal(out.Messages[2].Content, &resultBlocks))
	require.Equal(t, "user", out.Messages[2].Role)
	require.Equal(t, "tool_result", resultBlocks[0].Type)
	require.Equal(t, "call-1", resultBlocks[0].ToolUseID)
}

func TestChatToAnthropicRequest_DefaultMaxTokens(t *testing.T) {
	out, err := ChatToAnthropicRequest(&types.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []types.ChatMessage{textMessage("user", "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, defaultAnthropicMaxTokens, out.MaxTokens)
}

func TestMessagesToChatResponse(t *testing.T) {
	resp := &types.MessagesResponse{
		ID:    "msg_1",
		Model: "claude-sonnet",
		Content: []types.ContentBlock{
			{Type: "thinking", Thinking: "consider the path"},
			{Type: "text", Text: "Here you go."},
			{Type: "tool_use", ID: "toolu_1", Name: "list_dir", Input: json.RawMessage(`{"path": "/"}`)},
		},
		StopReason: "tool_use",
		Usage:      &types.AnthropicUsage{InputTokens: 10, OutputTokens: 4},
	}

	out, err := MessagesToChatResponse(resp)
	require.NoError(t, err)

	require.Equal(t, "msg_1", out.ID)
	require.Len(t, out.Choices, 1)
	choice := out.Choices[0]
	require.Equal(t, "tool_calls", choice.FinishReason)
	require.Equal(t, "Here you go.", choice.Message.TextContent())
	require.Equal(t, "consider the path", choice.Message.ReasoningContent)
	require.Len(t, choice.Message.ToolCalls, 1)
	require.Equal(t, "list_dir", choice.Message.ToolCalls[0].Function.Name)
	require.Equal(t, 14, out.Usage.TotalTokens)
}

func TestChatToMessagesResponse(t *testing.T) {
	msg := textMessage("assistant", "done")
	msg.ReasoningContent = "step one"
	resp := &types.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "claude-sonnet",
		Choices: []types.Choice{{
			Message:      msg,
			FinishReason: "length",
		}},
		Usage: &types.Usage{PromptTokens: 7, CompletionTokens: 2},
	}

	out := ChatToMessagesResponse(resp)
	require.Equal(t, "message", out.Type)
	require.Equal(t, "max_tokens", out.StopReason)
	require.Len(t, out.Content, 2)
	require.Equal(t, "thinking", out.Content[0].Type)
	require.Equal(t, "step one", out.Content[0].Thinking)
	require.Equal(t, "text", out.Content[1].Type)
	require.Equal(t, 7, out.Usage.InputTokens)
}

func TestChatToResponsesRequest(t *testing.T) {
	req := &types.ChatRequest{
		Model: "gpt-5",
		Messages: []types.ChatMessage{
			textMessage("system", "be brief"),
			textMessage("user", "list files"),
			{Role: "assistant", ToolCalls: []types.ToolCall{{
				ID: "call-1", Type: "function",
				Function: types.ToolCallFunction{Name: "list_dir", Arguments: `{}`},
			}}},
			func() types.ChatMessage {
				m := types.ChatMessage{Role: "tool"}
				m.SetTextContent("a.txt")
				return m
			}(),
		},
	}

	out, err := ChatToResponsesRequest(req)
	require.NoError(t, err)
	require.Equal(t, "be brief", out.Instructions)

	items, err := out.InputItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "message", items[0].Type)
	require.Equal(t, "function_call", items[1].Type)
	require.Equal(t, "call-1", items[1].CallID)

	// A tool result with no explicit reference binds to the last call.
	require.Equal(t, "function_call_output", items[2].Type)
	require.Equal(t, "call-1", items[2].CallID)
	require.Equal(t, "a.txt", items[2].Output)
}

func TestChatToResponsesRequest_RequiresUserMessage(t *testing.T) {
	_, err := ChatToResponsesRequest(&types.ChatRequest{
		Model:    "gpt-5",
		Messages: []types.ChatMessage{textMessage("system", "be brief")},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "user message")
}

func TestResponsesToChatRequest(t *testing.T) {
	req := &types.ResponsesRequest{
		Model:        "gpt-5",
		Instructions: "be brief",
	}
	require.NoError(t, req.SetInputItems([]types.InputItem{
		{Type: "message", Role: "user", Content: []types.InputContent{{Type: "input_text", Text: "list files"}}},
		{Type: "function_call", CallID: "call-1", Name: "list_dir", Arguments: `{}`},
		{Type: "function_call_output", CallID: "call-1", Output: "a.txt"},
		{Type: "reasoning"},
	}))

	out, err := ResponsesToChatRequest(req)
	require.NoError(t, err)

	require.Len(t, out.Messages, 4)
	require.Equal(t, "system", out.Messages[0].Role)
	require.Equal(t, "be brief", out.Messages[0].TextContent())
	require.Equal(t, "user", out.Messages[1].Role)
	require.Equal(t, "assistant", out.Messages[2].Role)
	require.Equal(t, "call-1", out.Messages[2].ToolCalls[0].ID)
	require.Equal(t, "tool", out.Messages[3].Role)
	require.Equal(t, "call-1", out.Messages[3].ToolCallID)
}

func TestResponsesToChatRequest_StringInput(t *testing.T) {
	out, err := ResponsesToChatRequest(&types.ResponsesRequest{
		Model: "gpt-5",
		Input: json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "user", out.Messages[0].Role)
	require.Equal(t, "hello", out.Messages[0].TextContent())
}

func TestResponsesToChatResponse(t *testing.T) {
	resp := &types.ResponsesResponse{
		ID:    "resp_1",
		Model: "gpt-5",
		Output: []types.OutputItem{
			{Type: "message", Content: []types.OutputContent{{Type: "output_text", Text: "partial"}}},
			{Type: "function_call", CallID: "call-1", Name: "list_dir", Arguments: `{}`},
		},
		RequiredAction: &types.RequiredAction{
			Type: "submit_tool_outputs",
			SubmitToolOutputs: &types.SubmitToolOutputs{ToolCalls: []types.ToolCall{
				{ID: "call-1", Type: "function", Function: types.ToolCallFunction{Name: "list_dir"}},
			}},
		},
		Usage: &types.ResponsesUsage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8},
	}

	out, err := ResponsesToChatResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	require.Equal(t, "partial", out.Choices[0].Message.TextContent())

	// The required_action call is already present; it must not duplicate.
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	require.Equal(t, 8, out.Usage.TotalTokens)
}

func TestChatToResponsesResponse(t *testing.T) {
	resp := &types.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-5",
		Choices: []types.Choice{{
			Message: types.ChatMessage{Role: "assistant", ToolCalls: []types.ToolCall{{
				ID: "call-1", Type: "function",
				Function: types.ToolCallFunction{Name: "list_dir", Arguments: `{}`},
			}}},
			FinishReason: "tool_calls",
		}},
	}

	out := ChatToResponsesResponse(resp)
	require.Equal(t, "requires_action", out.Status)
	require.NotNil(t, out.RequiredAction)
	require.Len(t, out.RequiredAction.SubmitToolOutputs.ToolCalls, 1)
	require.Len(t, out.Output, 1)
	require.Equal(t, "function_call", out.Output[0].Type)
}

func TestSwitch_ProcessOutgoingRedialects(t *testing.T) {
	sw := New(types.ProtocolChat)
	req := &pipeline.Request{
		Payload: types.MessagesRequestPayload(&types.MessagesRequest{Model: "claude-sonnet"}),
		Meta:    pipeline.Metadata{Protocol: types.ProtocolAnthropic},
	}
	resp := &pipeline.Response{
		Payload: types.ChatResponsePayload(&types.ChatResponse{
			ID:      "chatcmpl-1",
			Model:   "claude-sonnet",
			Choices: []types.Choice{{Message: textMessage("assistant", "hi"), FinishReason: "stop"}},
		}),
	}
	require.NoError(t, sw.ProcessOutgoing(context.Background(), req, resp))

	msgResp, ok := resp.Payload.MessagesResponse()
	require.True(t, ok)
	require.Equal(t, "end_turn", msgResp.StopReason)
	require.Equal(t, "hi", msgResp.Content[0].Text)
}
