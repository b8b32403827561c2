package types //nolint:revive // package name is intentional

import (
	"github.com/goccy/go-json"
)

// CompletionRequest is a legacy OpenAI text completion request.
type CompletionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	N           *int            `json:"n,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`
}

// CompletionResponse is a legacy OpenAI text completion response.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is one text completion candidate.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// PromptText flattens the polymorphic prompt (string or array of strings)
// into a single string.
func (r *CompletionRequest) PromptText() string {
	if len(r.Prompt) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Prompt, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(r.Prompt, &list); err == nil {
		out := ""
		for i, p := range list {
			if i > 0 {
				out += "\n"
			}
			out += p
		}
		return out
	}
	return ""
}

// ToChatRequest adapts the completion request onto the chat protocol so both
// endpoints share one pipeline.
func (r *CompletionRequest) ToChatRequest() *ChatRequest {
	msg := ChatMessage{Role: "user"}
	msg.SetTextContent(r.PromptText())
	return &ChatRequest{
		Model:       r.Model,
		Messages:    []ChatMessage{msg},
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		N:           r.N,
		Stream:      r.Stream,
		Stop:        r.Stop,
		User:        r.User,
	}
}

// CompletionResponseFromChat rebuilds the legacy shape from a chat response.
func CompletionResponseFromChat(resp *ChatResponse) *CompletionResponse {
	out := &CompletionResponse{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, CompletionChoice{
			Index:        c.Index,
			Text:         c.Message.TextContent(),
			FinishReason: c.FinishReason,
		})
	}
	return out
}
