package llmswitch

import (
	"strings"
	"time"

	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// ChatToResponsesRequest encodes a chat request in the Responses dialect.
// System messages fold into instructions, tool calls and tool results fold
// into the input stream, and tool arguments are normalized against the
// declared schemas.
func ChatToResponsesRequest(req *types.ChatRequest) (*types.ResponsesRequest, error) {
	normalizeRequestToolArguments(req)

	out := &types.ResponsesRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
		Extra:       req.Extra,
	}
	if req.MaxTokens != nil {
		out.MaxOutputTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, types.ResponsesTool{
			Type:        "function",
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	var (
		instructions []string
		seen         = map[string]bool{}
		items        []types.InputItem
		lastCallID   string
		hasUser      bool
	)
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case "system", "developer":
			text := msg.TextContent()
			if text == "" || seen[text] {
				continue
			}
			seen[text] = true
			instructions = append(instructions, text)

		case "assistant":
			if text := msg.TextContent(); text != "" {
				items = append(items, types.InputItem{
					Type:    "message",
					Role:    "assistant",
					Content: []types.InputContent{{Type: "text", Text: text}},
				})
			}
			for _, call := range msg.ToolCalls {
				items = append(items, types.InputItem{
					Type:      "function_call",
					ID:        call.ID,
					CallID:    call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				})
				lastCallID = call.ID
			}

		case "tool":
			callID := msg.ToolCallID
			if callID == "" {
				// Tool results without an explicit reference bind to
				// the most recent emitted call.
				callID = lastCallID
			}
			items = append(items, types.InputItem{
				Type:   "function_call_output",
				CallID: callID,
				Output: msg.TextContent(),
			})

		default:
			hasUser = hasUser || msg.Role == "user"
			items = append(items, types.InputItem{
				Type:    "message",
				Role:    msg.Role,
				Content: []types.InputContent{{Type: "input_text", Text: msg.TextContent()}},
			})
		}
	}
	if !hasUser {
		return nil, errors.NewValidationError("request must contain at least one user message")
	}

	out.Instructions = strings.Join(instructions, "\n\n")
	if err := out.SetInputItems(items); err != nil {
		return nil, errors.NewConversionError("encode responses input: "+err.Error(), true)
	}
	return out, nil
}

// ResponsesToChatRequest flattens a Responses request into the chat dialect.
func ResponsesToChatRequest(req *types.ResponsesRequest) (*types.ChatRequest, error) {
	items, err := req.InputItems()
	if err != nil {
		return nil, errors.NewConversionError("decode responses input: "+err.Error(), true)
	}
	if len(items) == 0 {
		return nil, errors.NewValidationError("input must not be empty")
	}

	out := &types.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		MaxTokens:   req.MaxOutputTokens,
		ToolChoice:  req.ToolChoice,
		Extra:       req.Extra,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if req.Instructions != "" {
		sys := types.ChatMessage{Role: "system"}
		sys.SetTextContent(req.Instructions)
		out.Messages = append(out.Messages, sys)
	}

	hasUser := false
	for _, item := range items {
		switch item.Type {
		case "message", "":
			role := item.Role
			if role == "" {
				role = "user"
			}
			hasUser = hasUser || role == "user"
			msg := types.ChatMessage{Role: role}
			msg.SetTextContent(joinInputContent(item.Content))
			out.Messages = append(out.Messages, msg)

		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			out.Messages = append(out.Messages, types.ChatMessage{
				Role: "assistant",
				ToolCalls: []types.ToolCall{{
					ID:   callID,
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})

		case "function_call_output":
			msg := types.ChatMessage{Role: "tool", ToolCallID: item.CallID}
			msg.SetTextContent(item.Output)
			out.Messages = append(out.Messages, msg)

		default:
			// Unknown item kinds (reasoning summaries etc.) are dropped
			// rather than rejected.
		}
	}
	if !hasUser {
		return nil, errors.NewValidationError("input must contain a user message")
	}
	normalizeRequestToolArguments(out)
	return out, nil
}

// ResponsesToChatResponse rebuilds a chat response from a Responses payload.
func ResponsesToChatResponse(resp *types.ResponsesResponse) (*types.ChatResponse, error) {
	if len(resp.Output) == 0 && resp.RequiredAction == nil {
		return nil, errors.NewConversionError("responses payload has no output", false)
	}

	msg := types.ChatMessage{Role: "assistant"}
	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" || c.Type == "text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   callID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	if resp.RequiredAction != nil && resp.RequiredAction.SubmitToolOutputs != nil {
		for _, call := range resp.RequiredAction.SubmitToolOutputs.ToolCalls {
			if !containsToolCall(msg.ToolCalls, call.ID) {
				msg.ToolCalls = append(msg.ToolCalls, call)
			}
		}
	}
	if text.Len() > 0 {
		msg.SetTextContent(text.String())
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	out := &types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   resp.Model,
		Choices: []types.Choice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if resp.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ChatToResponsesResponse mirrors a chat response into the Responses shape.
// Tool calls surface both as function_call output items and inside the
// required_action block so clients can submit tool outputs.
func ChatToResponsesResponse(resp *types.ChatResponse) *types.ResponsesResponse {
	out := &types.ResponsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Status:    "completed",
		Model:     resp.Model,
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}
	if resp.Usage != nil {
		out.Usage = &types.ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return out
	}

	msg := resp.Choices[0].Message
	if text := msg.TextContent(); text != "" {
		out.Output = append(out.Output, types.OutputItem{
			Type:    "message",
			Role:    "assistant",
			Status:  "completed",
			Content: []types.OutputContent{{Type: "output_text", Text: text}},
		})
	}
	if len(msg.ToolCalls) > 0 {
		for _, call := range msg.ToolCalls {
			out.Output = append(out.Output, types.OutputItem{
				Type:      "function_call",
				ID:        call.ID,
				CallID:    call.ID,
				Status:    "completed",
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		out.Status = "requires_action"
		out.RequiredAction = &types.RequiredAction{
			Type:              "submit_tool_outputs",
			SubmitToolOutputs: &types.SubmitToolOutputs{ToolCalls: msg.ToolCalls},
		}
	}
	return out
}

func joinInputContent(content []types.InputContent) string {
	var b strings.Builder
	for _, c := range content {
		b.WriteString(c.Text)
	}
	return b.String()
}

func containsToolCall(calls []types.ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}
