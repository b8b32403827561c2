// Package tokenizer estimates token counts for routing decisions. It uses
// tiktoken encodings when the model is known and falls back to a char-ratio
// estimate with per-protocol overheads otherwise.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/routecodex/routecodex/pkg/types"
)

const (
	// perMessageOverhead approximates role and framing tokens added by
	// chat formats.
	perMessageOverhead = 2
	// replyPrimerOverhead approximates the assistant reply primer.
	replyPrimerOverhead = 3
	// charsPerToken is the fallback ratio when no encoding is available.
	charsPerToken = 4
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountText returns the token count of text for model, falling back to a
// conservative len/4 estimate when no encoding is available.
func CountText(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / charsPerToken
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateChatTokens estimates the prompt size of a chat request, including
// tools and tool choice.
func EstimateChatTokens(req *types.ChatRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for i := range req.Messages {
		total += estimateMessageTokens(req.Model, &req.Messages[i])
	}
	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountText(req.Model, string(toolsJSON))
		}
	}
	if len(req.ToolChoice) > 0 {
		total += CountText(req.Model, string(req.ToolChoice))
	}
	total += replyPrimerOverhead
	return total
}

// EstimateResponsesTokens estimates the prompt size of a Responses request.
func EstimateResponsesTokens(req *types.ResponsesRequest) int {
	if req == nil {
		return 0
	}

	total := CountText(req.Model, req.Instructions)
	items, err := req.InputItems()
	if err != nil {
		return total + len(req.Input)/charsPerToken
	}
	for _, item := range items {
		total += perMessageOverhead
		for _, c := range item.Content {
			total += CountText(req.Model, c.Text)
		}
		total += CountText(req.Model, item.Arguments)
		total += CountText(req.Model, item.Output)
	}
	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountText(req.Model, string(toolsJSON))
		}
	}
	total += replyPrimerOverhead
	return total
}

// EstimateMessagesTokens estimates the prompt size of an Anthropic request.
func EstimateMessagesTokens(req *types.MessagesRequest) int {
	if req == nil {
		return 0
	}

	total := CountText(req.Model, req.SystemText())
	for _, msg := range req.Messages {
		total += perMessageOverhead
		blocks, err := types.ContentBlocks(msg.Content)
		if err != nil {
			total += len(msg.Content) / charsPerToken
			continue
		}
		for _, b := range blocks {
			total += CountText(req.Model, b.Text)
			total += CountText(req.Model, string(b.Input))
			total += CountText(req.Model, string(b.Content))
		}
	}
	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountText(req.Model, string(toolsJSON))
		}
	}
	total += replyPrimerOverhead
	return total
}

func estimateMessageTokens(model string, msg *types.ChatMessage) int {
	total := perMessageOverhead
	total += CountText(model, msg.Role)
	total += CountText(model, msg.Name)
	total += CountText(model, msg.TextContent())
	total += CountText(model, msg.ToolCallID)
	for _, call := range msg.ToolCalls {
		total += CountText(model, call.ID)
		total += CountText(model, call.Function.Name)
		total += CountText(model, call.Function.Arguments)
	}
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
