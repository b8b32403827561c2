package types //nolint:revive // package name is intentional

import (
	"github.com/goccy/go-json"
)

// MessagesRequest is an Anthropic Messages API request. System and message
// content stay raw: both accept either a string or an array of blocks.
type MessagesRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage    `json:"thinking,omitempty"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// AnthropicMessage is one conversation turn in the Anthropic dialect.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of an Anthropic content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// AnthropicTool declares a callable tool in the Anthropic dialect.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesResponse is an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ContentBlock  `json:"content"`
	StopReason   string          `json:"stop_reason,omitempty"`
	StopSequence *string         `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage `json:"usage,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// AnthropicUsage reports token consumption in the Anthropic dialect.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

var messagesRequestKnownFields = []string{
	"model", "messages", "system", "max_tokens", "temperature", "top_p",
	"top_k", "stop_sequences", "stream", "tools", "tool_choice",
	"thinking", "metadata",
}

type messagesRequestAlias MessagesRequest

// MarshalJSON merges Extra back into the encoded object.
func (r MessagesRequest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messagesRequestAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *MessagesRequest) UnmarshalJSON(data []byte) error {
	var alias messagesRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, messagesRequestKnownFields)
	if err != nil {
		return err
	}
	*r = MessagesRequest(alias)
	r.Extra = extra
	return nil
}

var messagesResponseKnownFields = []string{
	"id", "type", "role", "model", "content", "stop_reason",
	"stop_sequence", "usage",
}

type messagesResponseAlias MessagesResponse

// MarshalJSON merges Extra back into the encoded object.
func (r MessagesResponse) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messagesResponseAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *MessagesResponse) UnmarshalJSON(data []byte) error {
	var alias messagesResponseAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, messagesResponseKnownFields)
	if err != nil {
		return err
	}
	*r = MessagesResponse(alias)
	r.Extra = extra
	return nil
}

// ContentBlocks decodes a polymorphic content value: a bare string becomes a
// single text block.
func ContentBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ContentBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// SystemText flattens the polymorphic system field into plain text.
func (r *MessagesRequest) SystemText() string {
	blocks, err := ContentBlocks(r.System)
	if err != nil {
		return ""
	}
	var out string
	for i, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out
}
