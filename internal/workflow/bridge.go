package workflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// Bridge writes SSE toward the client: forwarding live upstream streams and
// synthesizing streams from JSON responses. One Bridge serves the whole
// process.
type Bridge struct {
	// Heartbeat is the idle interval between ": heartbeat" comments.
	Heartbeat time.Duration
}

// SetSSEHeaders writes the response headers every SSE reply carries.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Forward pipes the upstream stream to the client, teeing every written
// byte into tee (which may be nil). Frames are forwarded in arrival order;
// a heartbeat comment goes out while the upstream is idle; the stream is
// always closed with the terminator of its dialect. When the client write
// fails, the upstream is canceled.
func (b *Bridge) Forward(ctx context.Context, w io.Writer, stream *types.Stream, tee io.Writer) error {
	defer func() { _ = stream.Close() }()

	out := w
	if tee != nil {
		out = io.MultiWriter(w, tee)
	}
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	type frame struct {
		event *httputil.SSEEvent
		err   error
	}
	frames := make(chan frame)
	go func() {
		scanner := httputil.NewSSEScanner(stream.Body)
		for {
			event, err := scanner.Next()
			select {
			case frames <- frame{event: event, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	heartbeat := b.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	terminated := false
	for {
		select {
		case <-ctx.Done():
			// Client is gone; drain nothing further and cancel upstream.
			return ctx.Err()

		case <-ticker.C:
			if _, err := io.WriteString(out, ": heartbeat\n\n"); err != nil {
				return err
			}
			flush()

		case f := <-frames:
			if f.err != nil {
				if f.err != io.EOF {
					if werr := b.writeErrorFrame(out, stream.Dialect, f.err); werr != nil {
						return werr
					}
				}
				if !terminated {
					return b.writeTerminator(out, stream.Dialect, flush)
				}
				flush()
				return nil
			}
			ticker.Reset(heartbeat)

			if f.event.Done() {
				terminated = true
				if err := httputil.WriteSSEEvent(out, "", []byte(httputil.SSEDone)); err != nil {
					return err
				}
				flush()
				continue
			}
			if f.event.Event == "response.completed" {
				terminated = true
			}
			if err := httputil.WriteSSEEvent(out, f.event.Event, f.event.Data); err != nil {
				return err
			}
			stream.MarkForwarded()
			flush()
		}
	}
}

// writeErrorFrame emits the mid-stream error envelope before terminating.
func (b *Bridge) writeErrorFrame(w io.Writer, dialect types.Protocol, cause error) error {
	ge := errors.AsGatewayError(cause)
	body, err := json.Marshal(map[string]any{
		"error": map[string]any{"message": ge.Message, "code": ge.Kind},
	})
	if err != nil {
		return err
	}
	event := ""
	if dialect == types.ProtocolResponses {
		event = "error"
	}
	return httputil.WriteSSEEvent(w, event, body)
}

func (b *Bridge) writeTerminator(w io.Writer, dialect types.Protocol, flush func()) error {
	var err error
	switch dialect {
	case types.ProtocolResponses:
		data, merr := json.Marshal(types.ResponsesStreamEvent{Type: "response.completed"})
		if merr != nil {
			return merr
		}
		err = httputil.WriteSSEEvent(w, "response.completed", data)
	default:
		err = httputil.WriteSSEEvent(w, "", []byte(httputil.SSEDone))
	}
	flush()
	return err
}

// SynthesizeChatSSE renders a complete chat response as an SSE stream: one
// role chunk, one chunk per content emission, a finishing chunk, [DONE].
func (b *Bridge) SynthesizeChatSSE(w io.Writer, resp *types.ChatResponse) error {
	flusher, _ := w.(http.Flusher)
	emit := func(chunk *types.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if err := httputil.WriteSSEEvent(w, "", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	base := func() *types.StreamChunk {
		return &types.StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
		}
	}

	for _, choice := range resp.Choices {
		role := base()
		role.Choices = []types.StreamChoice{{Index: choice.Index, Delta: types.StreamDelta{Role: "assistant"}}}
		if err := emit(role); err != nil {
			return err
		}

		if text := choice.Message.TextContent(); text != "" {
			content := base()
			content.Choices = []types.StreamChoice{{Index: choice.Index, Delta: types.StreamDelta{Content: text}}}
			if err := emit(content); err != nil {
				return err
			}
		}
		if len(choice.Message.ToolCalls) > 0 {
			calls := base()
			calls.Choices = []types.StreamChoice{{Index: choice.Index, Delta: types.StreamDelta{ToolCalls: choice.Message.ToolCalls}}}
			if err := emit(calls); err != nil {
				return err
			}
		}

		final := base()
		final.Usage = resp.Usage
		final.Choices = []types.StreamChoice{{Index: choice.Index, FinishReason: choice.FinishReason}}
		if err := emit(final); err != nil {
			return err
		}
	}

	if err := httputil.WriteSSEEvent(w, "", []byte(httputil.SSEDone)); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// SynthesizeResponsesSSE renders a complete Responses payload as an event
// stream ending in response.completed.
func (b *Bridge) SynthesizeResponsesSSE(w io.Writer, resp *types.ResponsesResponse) error {
	flusher, _ := w.(http.Flusher)
	seq := 0
	emit := func(eventType string, ev types.ResponsesStreamEvent) error {
		seq++
		ev.Type = eventType
		ev.SequenceNumber = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := httputil.WriteSSEEvent(w, eventType, data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	created := *resp
	created.Status = "in_progress"
	if err := emit("response.created", types.ResponsesStreamEvent{Response: &created}); err != nil {
		return err
	}
	for i, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Text == "" {
				continue
			}
			if err := emit("response.output_text.delta", types.ResponsesStreamEvent{
				OutputIndex: i, Delta: c.Text,
			}); err != nil {
				return err
			}
		}
	}
	return emit("response.completed", types.ResponsesStreamEvent{Response: resp})
}

// SynthesizeAnthropicSSE renders a complete Anthropic response as the
// message_start / content_block / message_stop event sequence.
func (b *Bridge) SynthesizeAnthropicSSE(w io.Writer, resp *types.MessagesResponse) error {
	flusher, _ := w.(http.Flusher)
	emit := func(eventType string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := httputil.WriteSSEEvent(w, eventType, data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	start := *resp
	start.Content = nil
	start.StopReason = ""
	if err := emit("message_start", map[string]any{"type": "message_start", "message": &start}); err != nil {
		return err
	}
	for i, block := range resp.Content {
		if err := emit("content_block_start", map[string]any{
			"type": "content_block_start", "index": i,
			"content_block": map[string]string{"type": block.Type},
		}); err != nil {
			return err
		}
		switch block.Type {
		case "text":
			if err := emit("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": i,
				"delta": map[string]string{"type": "text_delta", "text": block.Text},
			}); err != nil {
				return err
			}
		case "tool_use":
			if err := emit("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": i,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(block.Input)},
			}); err != nil {
				return err
			}
		}
		if err := emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": i}); err != nil {
			return err
		}
	}
	delta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": resp.StopReason},
	}
	if resp.Usage != nil {
		delta["usage"] = map[string]int{"output_tokens": resp.Usage.OutputTokens}
	}
	if err := emit("message_delta", delta); err != nil {
		return err
	}
	return emit("message_stop", map[string]string{"type": "message_stop"})
}

// ErrorFrame renders a terminal error for clients already receiving SSE.
func (b *Bridge) ErrorFrame(w io.Writer, ge *errors.GatewayError) {
	body, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"message":    ge.Message,
			"code":       ge.Kind,
			"request_id": ge.RequestID,
		},
	})
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":{"message":%q}}`, ge.Message))
	}
	_ = httputil.WriteSSEEvent(w, "", body)
	_ = httputil.WriteSSEEvent(w, "", []byte(httputil.SSEDone))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
