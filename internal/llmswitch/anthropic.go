package llmswitch

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicToChatRequest converts an Anthropic messages request into the
// chat dialect. Content blocks flatten into string or multipart content;
// tool_use and tool_result blocks become tool_calls and tool messages.
func AnthropicToChatRequest(req *types.MessagesRequest) (*types.ChatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.NewValidationError("messages must not be empty")
	}

	out := &types.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Extra:       req.Extra,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if len(req.StopSequences) > 0 {
		if raw, err := json.Marshal(req.StopSequences); err == nil {
			out.Stop = raw
		}
	}
	if len(req.Thinking) > 0 {
		out.Thinking = req.Thinking
	}

	if system := req.SystemText(); system != "" {
		sys := types.ChatMessage{Role: "system"}
		sys.SetTextContent(system)
		out.Messages = append(out.Messages, sys)
	}

	for i := range req.Messages {
		converted, err := anthropicMessageToChat(&req.Messages[i])
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if choice, ok := anthropicToolChoiceToChat(req.ToolChoice); ok {
		out.ToolChoice = choice
	}
	normalizeRequestToolArguments(out)
	return out, nil
}

func anthropicMessageToChat(msg *types.AnthropicMessage) ([]types.ChatMessage, error) {
	blocks, err := types.ContentBlocks(msg.Content)
	if err != nil {
		return nil, errors.NewConversionError("decode content blocks: "+err.Error(), true)
	}

	var (
		result    []types.ChatMessage
		text      strings.Builder
		toolCalls []types.ToolCall
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			// Thinking blocks are upstream artifacts; they do not
			// re-enter the prompt.
		case "tool_use":
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		case "tool_result":
			tool := types.ChatMessage{Role: "tool", ToolCallID: b.ToolUseID}
			tool.SetTextContent(flattenToolResult(b.Content))
			result = append(result, tool)
		}
	}

	if text.Len() > 0 || len(toolCalls) > 0 {
		chatMsg := types.ChatMessage{Role: msg.Role, ToolCalls: toolCalls}
		if text.Len() > 0 {
			chatMsg.SetTextContent(text.String())
		}
		// Tool results convert ahead of the turn that carried them; the
		// main message keeps its original position relative to them.
		result = append(result, chatMsg)
	}
	return result, nil
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			b.WriteString(block.Text)
		}
		return b.String()
	}
	return string(raw)
}

func anthropicToolChoiceToChat(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, false
	}
	switch choice.Type {
	case "auto":
		return json.RawMessage(`"auto"`), true
	case "any":
		return json.RawMessage(`"required"`), true
	case "none":
		return json.RawMessage(`"none"`), true
	case "tool":
		out, err := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		})
		if err != nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

// ChatToAnthropicRequest converts a chat request into the Anthropic
// messages dialect.
func ChatToAnthropicRequest(req *types.ChatRequest) (*types.MessagesRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.NewValidationError("messages must not be empty")
	}
	normalizeRequestToolArguments(req)

	out := &types.MessagesRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		MaxTokens:   defaultAnthropicMaxTokens,
		Extra:       req.Extra,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		var stops []string
		if err := json.Unmarshal(req.Stop, &stops); err == nil {
			out.StopSequences = stops
		} else {
			var single string
			if err := json.Unmarshal(req.Stop, &single); err == nil {
				out.StopSequences = []string{single}
			}
		}
	}
	if len(req.Thinking) > 0 {
		out.Thinking = req.Thinking
	}

	var systems []string
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case "system", "developer":
			if text := msg.TextContent(); text != "" {
				systems = append(systems, text)
			}
		case "assistant":
			blocks := chatAssistantToBlocks(msg)
			if len(blocks) == 0 {
				continue
			}
			raw, err := json.Marshal(blocks)
			if err != nil {
				return nil, errors.NewConversionError("encode content blocks: "+err.Error(), true)
			}
			out.Messages = append(out.Messages, types.AnthropicMessage{Role: "assistant", Content: raw})
		case "tool":
			block := types.ContentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID}
			if text := msg.TextContent(); text != "" {
				block.Content = json.RawMessage(fmt.Sprintf("%q", text))
			}
			raw, err := json.Marshal([]types.ContentBlock{block})
			if err != nil {
				return nil, errors.NewConversionError("encode tool result: "+err.Error(), true)
			}
			out.Messages = append(out.Messages, types.AnthropicMessage{Role: "user", Content: raw})
		default:
			raw, err := json.Marshal(msg.TextContent())
			if err != nil {
				return nil, errors.NewConversionError("encode message content: "+err.Error(), true)
			}
			out.Messages = append(out.Messages, types.AnthropicMessage{Role: "user", Content: raw})
		}
	}
	if len(systems) > 0 {
		raw, err := json.Marshal(strings.Join(systems, "\n\n"))
		if err != nil {
			return nil, errors.NewConversionError("encode system: "+err.Error(), true)
		}
		out.System = raw
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, types.AnthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	if choice, ok := chatToolChoiceToAnthropic(req.ToolChoice); ok {
		out.ToolChoice = choice
	}
	return out, nil
}

func chatAssistantToBlocks(msg *types.ChatMessage) []types.ContentBlock {
	var blocks []types.ContentBlock
	if text := msg.TextContent(); text != "" {
		blocks = append(blocks, types.ContentBlock{Type: "text", Text: text})
	}
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, types.ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks
}

func chatToolChoiceToAnthropic(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`), true
		case "required":
			return json.RawMessage(`{"type":"any"}`), true
		case "none":
			return json.RawMessage(`{"type":"none"}`), true
		}
		return nil, false
	}
	var fn struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &fn); err != nil || fn.Function.Name == "" {
		return nil, false
	}
	out, err := json.Marshal(map[string]string{"type": "tool", "name": fn.Function.Name})
	if err != nil {
		return nil, false
	}
	return out, true
}

// MessagesToChatResponse converts an Anthropic response into the chat shape.
func MessagesToChatResponse(resp *types.MessagesResponse) (*types.ChatResponse, error) {
	if len(resp.Content) == 0 && resp.StopReason == "" {
		return nil, errors.NewConversionError("anthropic payload has no content", false)
	}

	msg := types.ChatMessage{Role: "assistant"}
	var text, reasoning strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			reasoning.WriteString(b.Thinking)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}
	if text.Len() > 0 {
		msg.SetTextContent(text.String())
	}
	msg.ReasoningContent = reasoning.String()

	out := &types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapAnthropicStopReason(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

// ChatToMessagesResponse converts a chat response into the Anthropic shape.
func ChatToMessagesResponse(resp *types.ChatResponse) *types.MessagesResponse {
	out := &types.MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = &types.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	if choice.Message.ReasoningContent != "" {
		out.Content = append(out.Content, types.ContentBlock{
			Type:     "thinking",
			Thinking: choice.Message.ReasoningContent,
		})
	}
	if text := choice.Message.TextContent(); text != "" {
		out.Content = append(out.Content, types.ContentBlock{Type: "text", Text: text})
	}
	for _, call := range choice.Message.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, types.ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	out.StopReason = mapChatFinishReason(choice.FinishReason)
	return out
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func mapChatFinishReason(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return reason
	}
}
