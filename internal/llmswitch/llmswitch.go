// Package llmswitch translates payloads between protocol dialects: OpenAI
// chat completions, OpenAI responses and Anthropic messages. The stage
// normalizes the inbound shape into the upstream protocol on the way down
// and rebuilds the inbound shape on the way back up. Codec failures are
// fatal for the request; there is no fallback.
package llmswitch

import (
	"context"
	"fmt"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// Switch is the protocol codec stage. Upstream names the dialect the
// provider speaks.
type Switch struct {
	Upstream types.Protocol
}

// New creates the codec stage for an upstream dialect.
func New(upstream types.Protocol) *Switch {
	return &Switch{Upstream: upstream}
}

// Name implements pipeline.Stage.
func (s *Switch) Name() string { return "llmswitch" }

// ProcessIncoming converts the request payload from the inbound dialect to
// the upstream dialect.
func (s *Switch) ProcessIncoming(_ context.Context, req *pipeline.Request) error {
	inbound := req.Meta.Protocol
	if inbound == types.ProtocolCompletions {
		// Completions ride the chat pipeline; the API layer already
		// adapted the payload.
		inbound = types.ProtocolChat
	}

	switch {
	case inbound == s.Upstream:
		return s.normalizeSameProtocol(req)

	case inbound == types.ProtocolChat && s.Upstream == types.ProtocolResponses:
		chatReq, ok := req.Payload.ChatRequest()
		if !ok {
			return payloadMismatch("chat request", req.Payload)
		}
		converted, err := ChatToResponsesRequest(chatReq)
		if err != nil {
			return err
		}
		req.Payload = types.ResponsesRequestPayload(converted)
		return nil

	case inbound == types.ProtocolResponses && s.Upstream == types.ProtocolChat:
		respReq, ok := req.Payload.ResponsesRequest()
		if !ok {
			return payloadMismatch("responses request", req.Payload)
		}
		converted, err := ResponsesToChatRequest(respReq)
		if err != nil {
			return err
		}
		req.Payload = types.ChatRequestPayload(converted)
		return nil

	case inbound == types.ProtocolAnthropic && s.Upstream == types.ProtocolChat:
		msgReq, ok := req.Payload.MessagesRequest()
		if !ok {
			return payloadMismatch("messages request", req.Payload)
		}
		converted, err := AnthropicToChatRequest(msgReq)
		if err != nil {
			return err
		}
		req.Payload = types.ChatRequestPayload(converted)
		return nil

	case inbound == types.ProtocolChat && s.Upstream == types.ProtocolAnthropic:
		chatReq, ok := req.Payload.ChatRequest()
		if !ok {
			return payloadMismatch("chat request", req.Payload)
		}
		converted, err := ChatToAnthropicRequest(chatReq)
		if err != nil {
			return err
		}
		req.Payload = types.MessagesRequestPayload(converted)
		return nil

	default:
		return errors.NewConversionError(
			fmt.Sprintf("no codec from %s to %s", inbound, s.Upstream), true)
	}
}

// ProcessOutgoing converts the response payload from the upstream dialect
// back to the inbound dialect. Streams are re-dialected lazily through a
// transforming reader.
func (s *Switch) ProcessOutgoing(_ context.Context, req *pipeline.Request, resp *pipeline.Response) error {
	inbound := req.Meta.Protocol
	if inbound == types.ProtocolCompletions {
		inbound = types.ProtocolChat
	}

	if stream, ok := resp.Payload.Stream(); ok {
		if stream.Dialect == inbound {
			return nil
		}
		return s.redialectStream(inbound, stream, resp)
	}

	switch {
	case inbound == s.Upstream:
		return nil

	case inbound == types.ProtocolChat && s.Upstream == types.ProtocolResponses:
		upstream, ok := resp.Payload.ResponsesResponse()
		if !ok {
			return upstreamShapeError(req.Payload, resp.Payload)
		}
		converted, err := ResponsesToChatResponse(upstream)
		if err != nil {
			return err
		}
		resp.Payload = types.ChatResponsePayload(converted)
		return nil

	case inbound == types.ProtocolResponses && s.Upstream == types.ProtocolChat:
		upstream, ok := resp.Payload.ChatResponse()
		if !ok {
			return upstreamShapeError(req.Payload, resp.Payload)
		}
		resp.Payload = types.ResponsesResponsePayload(ChatToResponsesResponse(upstream))
		return nil

	case inbound == types.ProtocolAnthropic && s.Upstream == types.ProtocolChat:
		upstream, ok := resp.Payload.ChatResponse()
		if !ok {
			return upstreamShapeError(req.Payload, resp.Payload)
		}
		resp.Payload = types.MessagesResponsePayload(ChatToMessagesResponse(upstream))
		return nil

	case inbound == types.ProtocolChat && s.Upstream == types.ProtocolAnthropic:
		upstream, ok := resp.Payload.MessagesResponse()
		if !ok {
			return upstreamShapeError(req.Payload, resp.Payload)
		}
		converted, err := MessagesToChatResponse(upstream)
		if err != nil {
			return err
		}
		resp.Payload = types.ChatResponsePayload(converted)
		return nil

	default:
		return errors.NewConversionError(
			fmt.Sprintf("no response codec from %s to %s", s.Upstream, inbound), false)
	}
}

func (s *Switch) redialectStream(inbound types.Protocol, stream *types.Stream, resp *pipeline.Response) error {
	switch {
	case stream.Dialect == types.ProtocolResponses && inbound == types.ProtocolChat:
		resp.Payload = types.StreamPayload(NewResponsesToChatStream(stream))
		return nil
	case stream.Dialect == types.ProtocolChat && inbound == types.ProtocolResponses:
		resp.Payload = types.StreamPayload(NewChatToResponsesStream(stream))
		return nil
	default:
		return errors.NewConversionError(
			fmt.Sprintf("no stream codec from %s to %s", stream.Dialect, inbound), false)
	}
}

// normalizeSameProtocol applies the idempotent passthrough normalization for
// identical-protocol pipes.
func (s *Switch) normalizeSameProtocol(req *pipeline.Request) error {
	chatReq, ok := req.Payload.ChatRequest()
	if !ok {
		return nil
	}
	if len(chatReq.Messages) == 0 {
		return errors.NewValidationError("messages must not be empty")
	}
	for i := range chatReq.Messages {
		if chatReq.Messages[i].Role == "" {
			chatReq.Messages[i].Role = "user"
		}
		for j := range chatReq.Messages[i].ToolCalls {
			if chatReq.Messages[i].ToolCalls[j].Type == "" {
				chatReq.Messages[i].ToolCalls[j].Type = "function"
			}
		}
	}
	normalizeRequestToolArguments(chatReq)
	return nil
}

func payloadMismatch(want string, got types.Payload) error {
	return errors.NewConversionError(
		fmt.Sprintf("expected %s payload, got %s", want, got.Kind()), true)
}

func upstreamShapeError(_ types.Payload, got types.Payload) error {
	return errors.NewConversionError(
		fmt.Sprintf("upstream payload %s does not match pipeline protocols", got.Kind()), false)
}
