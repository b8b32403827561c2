package types //nolint:revive // package name is intentional

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Protocol identifies a payload dialect.
type Protocol string

// Supported protocol dialects.
const (
	ProtocolChat        Protocol = "openai-chat"
	ProtocolCompletions Protocol = "openai-completions"
	ProtocolResponses   Protocol = "openai-responses"
	ProtocolAnthropic   Protocol = "anthropic-messages"
	ProtocolRaw         Protocol = "raw"
)

// PayloadKind discriminates the value held by a Payload.
type PayloadKind uint8

// Payload kinds.
const (
	KindEmpty PayloadKind = iota
	KindChatRequest
	KindChatResponse
	KindCompletionRequest
	KindResponsesRequest
	KindResponsesResponse
	KindMessagesRequest
	KindMessagesResponse
	KindStream
	KindRaw
)

// String names the kind for logs and errors.
func (k PayloadKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindChatRequest:
		return "chat_request"
	case KindChatResponse:
		return "chat_response"
	case KindCompletionRequest:
		return "completion_request"
	case KindResponsesRequest:
		return "responses_request"
	case KindResponsesResponse:
		return "responses_response"
	case KindMessagesRequest:
		return "messages_request"
	case KindMessagesResponse:
		return "messages_response"
	case KindStream:
		return "stream"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Payload is the tagged union moved between pipeline stages. Exactly one
// variant is set; accessors return false when asked for a different one.
type Payload struct {
	kind PayloadKind

	chatReq   *ChatRequest
	chatResp  *ChatResponse
	complReq  *CompletionRequest
	respReq   *ResponsesRequest
	respResp  *ResponsesResponse
	msgReq    *MessagesRequest
	msgResp   *MessagesResponse
	stream    *Stream
	raw       json.RawMessage
}

// Kind reports which variant the payload holds.
func (p Payload) Kind() PayloadKind { return p.kind }

// IsZero reports whether no variant is set.
func (p Payload) IsZero() bool { return p.kind == KindEmpty }

// ChatRequestPayload wraps a chat request.
func ChatRequestPayload(r *ChatRequest) Payload {
	return Payload{kind: KindChatRequest, chatReq: r}
}

// ChatResponsePayload wraps a chat response.
func ChatResponsePayload(r *ChatResponse) Payload {
	return Payload{kind: KindChatResponse, chatResp: r}
}

// CompletionRequestPayload wraps a legacy completion request.
func CompletionRequestPayload(r *CompletionRequest) Payload {
	return Payload{kind: KindCompletionRequest, complReq: r}
}

// ResponsesRequestPayload wraps a Responses request.
func ResponsesRequestPayload(r *ResponsesRequest) Payload {
	return Payload{kind: KindResponsesRequest, respReq: r}
}

// ResponsesResponsePayload wraps a Responses response.
func ResponsesResponsePayload(r *ResponsesResponse) Payload {
	return Payload{kind: KindResponsesResponse, respResp: r}
}

// MessagesRequestPayload wraps an Anthropic request.
func MessagesRequestPayload(r *MessagesRequest) Payload {
	return Payload{kind: KindMessagesRequest, msgReq: r}
}

// MessagesResponsePayload wraps an Anthropic response.
func MessagesResponsePayload(r *MessagesResponse) Payload {
	return Payload{kind: KindMessagesResponse, msgResp: r}
}

// StreamPayload wraps a live byte stream.
func StreamPayload(s *Stream) Payload {
	return Payload{kind: KindStream, stream: s}
}

// RawPayload wraps unparsed JSON.
func RawPayload(raw json.RawMessage) Payload {
	return Payload{kind: KindRaw, raw: raw}
}

// ChatRequest returns the chat request variant.
func (p Payload) ChatRequest() (*ChatRequest, bool) {
	return p.chatReq, p.kind == KindChatRequest
}

// ChatResponse returns the chat response variant.
func (p Payload) ChatResponse() (*ChatResponse, bool) {
	return p.chatResp, p.kind == KindChatResponse
}

// CompletionRequest returns the completion request variant.
func (p Payload) CompletionRequest() (*CompletionRequest, bool) {
	return p.complReq, p.kind == KindCompletionRequest
}

// ResponsesRequest returns the Responses request variant.
func (p Payload) ResponsesRequest() (*ResponsesRequest, bool) {
	return p.respReq, p.kind == KindResponsesRequest
}

// ResponsesResponse returns the Responses response variant.
func (p Payload) ResponsesResponse() (*ResponsesResponse, bool) {
	return p.respResp, p.kind == KindResponsesResponse
}

// MessagesRequest returns the Anthropic request variant.
func (p Payload) MessagesRequest() (*MessagesRequest, bool) {
	return p.msgReq, p.kind == KindMessagesRequest
}

// MessagesResponse returns the Anthropic response variant.
func (p Payload) MessagesResponse() (*MessagesResponse, bool) {
	return p.msgResp, p.kind == KindMessagesResponse
}

// Stream returns the stream variant.
func (p Payload) Stream() (*Stream, bool) {
	return p.stream, p.kind == KindStream
}

// Raw returns the raw JSON variant.
func (p Payload) Raw() (json.RawMessage, bool) {
	return p.raw, p.kind == KindRaw
}

// MarshalJSON encodes the inner value. Streams are not serializable.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case KindChatRequest:
		return json.Marshal(p.chatReq)
	case KindChatResponse:
		return json.Marshal(p.chatResp)
	case KindCompletionRequest:
		return json.Marshal(p.complReq)
	case KindResponsesRequest:
		return json.Marshal(p.respReq)
	case KindResponsesResponse:
		return json.Marshal(p.respResp)
	case KindMessagesRequest:
		return json.Marshal(p.msgReq)
	case KindMessagesResponse:
		return json.Marshal(p.msgResp)
	case KindRaw:
		return p.raw, nil
	case KindEmpty:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("payload kind %s is not serializable", p.kind)
	}
}
