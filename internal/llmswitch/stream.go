package llmswitch

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/pkg/types"
)

// NewResponsesToChatStream re-dialects a Responses event stream into chat
// completion SSE chunks. Translation happens lazily on a pipe so the
// upstream stays flow-controlled by the client read rate.
func NewResponsesToChatStream(upstream *types.Stream) *types.Stream {
	pr, pw := io.Pipe()
	go translateResponsesToChat(upstream, pw)
	return types.NewStream(pr, "text/event-stream; charset=utf-8", types.ProtocolChat)
}

func translateResponsesToChat(upstream *types.Stream, pw *io.PipeWriter) {
	defer func() { _ = upstream.Close() }()

	var (
		scanner   = httputil.NewSSEScanner(upstream.Body)
		chunkID   = "chatcmpl-" + fmt.Sprint(time.Now().UnixNano())
		model     string
		created   = time.Now().Unix()
		roleSent  bool
		toolIndex = -1
	)

	emit := func(chunk *types.StreamChunk) bool {
		data, err := json.Marshal(chunk)
		if err != nil {
			return true
		}
		return httputil.WriteSSEEvent(pw, "", data) == nil
	}
	finish := func() {
		_ = httputil.WriteSSEEvent(pw, "", []byte(httputil.SSEDone))
		_ = pw.Close()
	}

	for {
		event, err := scanner.Next()
		if err != nil {
			finish()
			return
		}
		if event.Done() {
			finish()
			return
		}

		var ev types.ResponsesStreamEvent
		if err := json.Unmarshal(event.Data, &ev); err != nil {
			continue
		}
		if ev.Response != nil && ev.Response.Model != "" {
			model = ev.Response.Model
		}

		switch ev.Type {
		case "response.created":
			roleSent = true
			if !emit(&types.StreamChunk{
				ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []types.StreamChoice{{Delta: types.StreamDelta{Role: "assistant"}}},
			}) {
				return
			}

		case "response.output_text.delta":
			if !roleSent {
				roleSent = true
				if !emit(&types.StreamChunk{
					ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []types.StreamChoice{{Delta: types.StreamDelta{Role: "assistant"}}},
				}) {
					return
				}
			}
			if !emit(&types.StreamChunk{
				ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: ev.Delta}}},
			}) {
				return
			}

		case "response.output_item.added":
			if ev.Item == nil || ev.Item.Type != "function_call" {
				continue
			}
			toolIndex++
			idx := toolIndex
			callID := ev.Item.CallID
			if callID == "" {
				callID = ev.Item.ID
			}
			if !emit(&types.StreamChunk{
				ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []types.StreamChoice{{Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
					Index: &idx, ID: callID, Type: "function",
					Function: types.ToolCallFunction{Name: ev.Item.Name},
				}}}}},
			}) {
				return
			}

		case "response.function_call_arguments.delta":
			if toolIndex < 0 {
				continue
			}
			idx := toolIndex
			if !emit(&types.StreamChunk{
				ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []types.StreamChoice{{Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
					Index:    &idx,
					Function: types.ToolCallFunction{Arguments: ev.Delta},
				}}}}},
			}) {
				return
			}

		case "response.completed", "response.incomplete":
			reason := "stop"
			if toolIndex >= 0 {
				reason = "tool_calls"
			}
			final := &types.StreamChunk{
				ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []types.StreamChoice{{Delta: types.StreamDelta{}, FinishReason: reason}},
			}
			if ev.Response != nil && ev.Response.Usage != nil {
				final.Usage = &types.Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:      ev.Response.Usage.TotalTokens,
				}
			}
			emit(final)
			finish()
			return

		case "error", "response.failed":
			_ = httputil.WriteSSEEvent(pw, "", event.Data)
			finish()
			return
		}
	}
}

// NewChatToResponsesStream re-dialects chat completion SSE chunks into
// Responses events.
func NewChatToResponsesStream(upstream *types.Stream) *types.Stream {
	pr, pw := io.Pipe()
	go translateChatToResponses(upstream, pw)
	return types.NewStream(pr, "text/event-stream; charset=utf-8", types.ProtocolResponses)
}

func translateChatToResponses(upstream *types.Stream, pw *io.PipeWriter) {
	defer func() { _ = upstream.Close() }()

	var (
		scanner  = httputil.NewSSEScanner(upstream.Body)
		started  bool
		seq      int
		text     string
		respID   string
		model    string
		usage    *types.Usage
		finished bool
	)

	emit := func(eventType string, ev *types.ResponsesStreamEvent) bool {
		seq++
		ev.Type = eventType
		ev.SequenceNumber = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		return httputil.WriteSSEEvent(pw, eventType, data) == nil
	}

	complete := func(status string) {
		resp := &types.ResponsesResponse{
			ID:        respID,
			Object:    "response",
			CreatedAt: time.Now().Unix(),
			Status:    status,
			Model:     model,
		}
		if text != "" {
			resp.Output = append(resp.Output, types.OutputItem{
				Type:    "message",
				Role:    "assistant",
				Status:  "completed",
				Content: []types.OutputContent{{Type: "output_text", Text: text}},
			})
		}
		if usage != nil {
			resp.Usage = &types.ResponsesUsage{
				InputTokens:  usage.PromptTokens,
				OutputTokens: usage.CompletionTokens,
				TotalTokens:  usage.TotalTokens,
			}
		}
		emit("response.completed", &types.ResponsesStreamEvent{Response: resp})
		_ = pw.Close()
	}

	for {
		event, err := scanner.Next()
		if err != nil {
			if !finished {
				complete("incomplete")
			} else {
				_ = pw.Close()
			}
			return
		}
		if event.Done() {
			complete("completed")
			return
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			respID = chunk.ID
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		if !started {
			started = true
			if !emit("response.created", &types.ResponsesStreamEvent{
				Response: &types.ResponsesResponse{
					ID: respID, Object: "response", Status: "in_progress", Model: model,
					CreatedAt: time.Now().Unix(),
				},
			}) {
				return
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text += choice.Delta.Content
				if !emit("response.output_text.delta", &types.ResponsesStreamEvent{
					Delta: choice.Delta.Content,
				}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}
	}
}
