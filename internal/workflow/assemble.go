package workflow

import (
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// AssembleChatResponse consumes a chat-dialect SSE stream to completion and
// rebuilds the non-streaming response body.
func AssembleChatResponse(body io.Reader) (*types.ChatResponse, error) {
	scanner := httputil.NewSSEScanner(body)

	resp := &types.ChatResponse{Object: "chat.completion"}
	var (
		content   strings.Builder
		reasoning strings.Builder
		finish    string
		toolCalls []types.ToolCall
		sawChunk  bool
	)

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewUpstreamError("", "read upstream stream: "+err.Error())
		}
		if event.Done() {
			break
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			// Mid-stream error envelopes arrive as data frames too.
			if ge := streamErrorFrame(event.Data); ge != nil {
				return nil, ge
			}
			continue
		}
		sawChunk = true
		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Created != 0 {
			resp.Created = chunk.Created
		}
		if chunk.Usage != nil {
			resp.Usage = chunk.Usage
		}
		if chunk.SystemFingerprint != "" {
			resp.SystemFingerprint = chunk.SystemFingerprint
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
			reasoning.WriteString(choice.Delta.ReasoningContent)
			mergeToolCallDeltas(&toolCalls, choice.Delta.ToolCalls)
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if !sawChunk {
		return nil, errors.NewUpstreamError("", "upstream stream produced no chunks")
	}

	msg := types.ChatMessage{Role: "assistant", ToolCalls: toolCalls, ReasoningContent: reasoning.String()}
	msg.SetTextContent(content.String())
	if finish == "" {
		finish = "stop"
		if len(toolCalls) > 0 {
			finish = "tool_calls"
		}
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	resp.Choices = []types.Choice{{Index: 0, Message: msg, FinishReason: finish}}
	return resp, nil
}

// mergeToolCallDeltas folds incremental tool-call fragments into complete
// calls, keyed by the delta index.
func mergeToolCallDeltas(calls *[]types.ToolCall, deltas []types.ToolCall) {
	for _, d := range deltas {
		idx := len(*calls) - 1
		if d.Index != nil {
			idx = *d.Index
		} else if d.ID != "" {
			idx = len(*calls)
		}
		for len(*calls) <= idx {
			*calls = append(*calls, types.ToolCall{Type: "function"})
		}
		if idx < 0 {
			continue
		}
		call := &(*calls)[idx]
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Function.Name != "" {
			call.Function.Name = d.Function.Name
		}
		call.Function.Arguments += d.Function.Arguments
	}
}

// AssembleResponsesResponse consumes a Responses event stream to completion
// and returns the final response object.
func AssembleResponsesResponse(body io.Reader) (*types.ResponsesResponse, error) {
	scanner := httputil.NewSSEScanner(body)

	var (
		text     strings.Builder
		lastResp *types.ResponsesResponse
	)
	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewUpstreamError("", "read upstream stream: "+err.Error())
		}
		if event.Done() {
			break
		}

		var ev types.ResponsesStreamEvent
		if err := json.Unmarshal(event.Data, &ev); err != nil {
			if ge := streamErrorFrame(event.Data); ge != nil {
				return nil, ge
			}
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			text.WriteString(ev.Delta)
		case "response.completed":
			if ev.Response != nil {
				return ev.Response, nil
			}
		case "response.failed", "error":
			if ge := streamErrorFrame(event.Data); ge != nil {
				return nil, ge
			}
			return nil, errors.NewUpstreamError("", "upstream stream failed")
		default:
			if ev.Response != nil {
				lastResp = ev.Response
			}
		}
	}

	// The terminal event never arrived; rebuild what we can from deltas.
	if lastResp == nil && text.Len() == 0 {
		return nil, errors.NewUpstreamError("", "upstream stream produced no response")
	}
	resp := lastResp
	if resp == nil {
		resp = &types.ResponsesResponse{Object: "response", CreatedAt: time.Now().Unix()}
	}
	resp.Status = "completed"
	if text.Len() > 0 && len(resp.Output) == 0 {
		resp.Output = []types.OutputItem{{
			Type:    "message",
			Role:    "assistant",
			Status:  "completed",
			Content: []types.OutputContent{{Type: "output_text", Text: text.String()}},
		}}
	}
	return resp, nil
}

// streamErrorFrame parses an error envelope delivered inside a data frame.
func streamErrorFrame(data []byte) *errors.GatewayError {
	var env struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error == nil || env.Error.Message == "" {
		return nil
	}
	ge := errors.NewUpstreamError("", env.Error.Message)
	ge.UpstreamCode = env.Error.Type
	return ge
}
