package types //nolint:revive // package name is intentional

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ResponsesRequest is an OpenAI Responses API request. Input is kept raw
// because it may be a plain string or an array of input items.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Store           *bool           `json:"store,omitempty"`
	Reasoning       json.RawMessage `json:"reasoning,omitempty"`
	PreviousID      string          `json:"previous_response_id,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ResponsesTool is a tool declaration in the Responses dialect: the function
// fields sit at the top level instead of under a "function" wrapper.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// InputItem is one element of the Responses input array.
type InputItem struct {
	Type      string         `json:"type,omitempty"`
	Role      string         `json:"role,omitempty"`
	Content   []InputContent `json:"content,omitempty"`
	ID        string         `json:"id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments string         `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
}

// InputContent is a typed text fragment inside an input item.
type InputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponsesResponse is an OpenAI Responses API response.
type ResponsesResponse struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"`
	CreatedAt      int64           `json:"created_at"`
	Status         string          `json:"status"`
	Model          string          `json:"model"`
	Output         []OutputItem    `json:"output"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	Usage          *ResponsesUsage `json:"usage,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// OutputItem is one element of the Responses output array.
type OutputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Status    string          `json:"status,omitempty"`
	Content   []OutputContent `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

// OutputContent is a typed text fragment inside an output item.
type OutputContent struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// RequiredAction signals the client must submit tool outputs.
type RequiredAction struct {
	Type              string             `json:"type"`
	SubmitToolOutputs *SubmitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

// SubmitToolOutputs lists the pending tool calls.
type SubmitToolOutputs struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ResponsesUsage reports token consumption in the Responses dialect.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ResponsesStreamEvent is a single Responses SSE event.
type ResponsesStreamEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int                `json:"sequence_number,omitempty"`
	Response       *ResponsesResponse `json:"response,omitempty"`
	OutputIndex    int                `json:"output_index,omitempty"`
	ContentIndex   int                `json:"content_index,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	Delta          string             `json:"delta,omitempty"`
	Text           string             `json:"text,omitempty"`
	Item           *OutputItem        `json:"item,omitempty"`
	Part           *OutputContent     `json:"part,omitempty"`
}

var responsesRequestKnownFields = []string{
	"model", "input", "instructions", "tools", "tool_choice",
	"max_output_tokens", "temperature", "top_p", "stream", "store",
	"reasoning", "previous_response_id",
}

type responsesRequestAlias ResponsesRequest

// MarshalJSON merges Extra back into the encoded object.
func (r ResponsesRequest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(responsesRequestAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *ResponsesRequest) UnmarshalJSON(data []byte) error {
	var alias responsesRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, responsesRequestKnownFields)
	if err != nil {
		return err
	}
	*r = ResponsesRequest(alias)
	r.Extra = extra
	return nil
}

var responsesResponseKnownFields = []string{
	"id", "object", "created_at", "status", "model", "output",
	"required_action", "usage", "error",
}

type responsesResponseAlias ResponsesResponse

// MarshalJSON merges Extra back into the encoded object.
func (r ResponsesResponse) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(responsesResponseAlias(r))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *ResponsesResponse) UnmarshalJSON(data []byte) error {
	var alias responsesResponseAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, responsesResponseKnownFields)
	if err != nil {
		return err
	}
	*r = ResponsesResponse(alias)
	r.Extra = extra
	return nil
}

// InputItems decodes the polymorphic input field. A bare string becomes a
// single user message item.
func (r *ResponsesRequest) InputItems() ([]InputItem, error) {
	if len(r.Input) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(r.Input, &text); err == nil {
		return []InputItem{{
			Type:    "message",
			Role:    "user",
			Content: []InputContent{{Type: "input_text", Text: text}},
		}}, nil
	}
	var items []InputItem
	if err := json.Unmarshal(r.Input, &items); err != nil {
		return nil, fmt.Errorf("input must be a string or an array of items: %w", err)
	}
	return items, nil
}

// SetInputItems encodes items into the input field.
func (r *ResponsesRequest) SetInputItems(items []InputItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	r.Input = data
	return nil
}

// OutputText concatenates all output_text fragments across output items.
func (r *ResponsesResponse) OutputText() string {
	var out string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Type == "text" {
				out += c.Text
			}
		}
	}
	return out
}
