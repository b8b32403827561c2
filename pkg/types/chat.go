// Package types defines the protocol payloads moved through the gateway:
// OpenAI chat completions, OpenAI responses, Anthropic messages, and the
// tagged payload union the pipeline stages exchange.
package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ChatRequest is an OpenAI-compatible chat completion request.
// Unknown fields are preserved in Extra so they survive re-encoding.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	Thinking         json.RawMessage `json:"thinking,omitempty"`

	// Extra holds fields not modeled above. They are merged back on
	// marshal without overriding known keys.
	Extra map[string]json.RawMessage `json:"-"`
}

// StreamOptions controls streaming behavior for chat requests.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatMessage is a single conversation turn. Content is kept raw because it
// may be a string or an array of content parts.
type ChatMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
}

// ContentPart is one element of a multipart message content array.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the callable function and its JSON-schema parameters.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// ToolCall is an assistant-emitted function invocation.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Choice is a single completion candidate.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is a single chat completion SSE chunk.
type StreamChunk struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []StreamChoice `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`
}

// StreamChoice is one choice inside a stream chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta is the incremental content of a stream chunk.
type StreamDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// chatRequestAlias breaks the MarshalJSON recursion.
type chatRequestAlias ChatRequest

// chatRequestKnownFields lists keys owned by the typed struct; Extra entries
// with these names are dropped on unmarshal so they cannot shadow the struct.
var chatRequestKnownFields = []string{
	"model", "messages", "temperature", "top_p", "n", "stream",
	"stream_options", "stop", "max_tokens", "presence_penalty",
	"frequency_penalty", "user", "tools", "tool_choice",
	"response_format", "thinking",
}

// MarshalJSON merges Extra back into the encoded object.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(chatRequestAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var alias chatRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, chatRequestKnownFields)
	if err != nil {
		return err
	}
	*r = ChatRequest(alias)
	r.Extra = extra
	return nil
}

var chatResponseKnownFields = []string{
	"id", "object", "created", "model", "choices", "usage",
	"system_fingerprint",
}

type chatResponseAlias ChatResponse

// MarshalJSON merges Extra back into the encoded object.
func (r ChatResponse) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(chatResponseAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *ChatResponse) UnmarshalJSON(data []byte) error {
	var alias chatResponseAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, chatResponseKnownFields)
	if err != nil {
		return err
	}
	*r = ChatResponse(alias)
	r.Extra = extra
	return nil
}

// Reset clears the request for pool reuse.
func (r *ChatRequest) Reset() {
	*r = ChatRequest{Messages: r.Messages[:0]}
}

// Reset clears the response for pool reuse.
func (r *ChatResponse) Reset() {
	*r = ChatResponse{Choices: r.Choices[:0]}
}

// TextContent flattens the message content into plain text. Multipart arrays
// contribute their text parts joined by newlines; non-text parts are skipped.
func (m *ChatMessage) TextContent() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// SetTextContent stores plain string content.
func (m *ChatMessage) SetTextContent(text string) {
	m.Content = json.RawMessage(fmt.Sprintf("%q", text))
}

// mergeExtra appends extra keys to an encoded JSON object without touching
// keys already present.
func mergeExtra(base []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// collectExtra returns all top-level keys of data except the known ones.
func collectExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
