package router

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/tokenizer"
	"github.com/routecodex/routecodex/pkg/types"
)

// Classifier buckets a request into a route category from its token count,
// tool surface, thinking flag and model name.
type Classifier struct {
	thresholds    config.ThresholdConfig
	modelPatterns []modelPattern
}

type modelPattern struct {
	re    *regexp.Regexp
	route string
}

// NewClassifier compiles the model-pattern table. Patterns were validated
// at config load, so compilation cannot fail here.
func NewClassifier(cfg config.RouterConfig) *Classifier {
	c := &Classifier{thresholds: cfg.Thresholds}
	for pattern, route := range cfg.ModelPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		c.modelPatterns = append(c.modelPatterns, modelPattern{re: re, route: route})
	}
	return c
}

// Classify names the route category for a payload. Long context wins over
// every other signal.
func (c *Classifier) Classify(payload types.Payload) string {
	tokens := estimateTokens(payload)
	if tokens >= c.thresholds.LongContext {
		return "longcontext"
	}
	if hasWebSearchTool(payload) {
		return "webSearch"
	}
	if wantsThinking(payload) {
		return "thinking"
	}
	if route := c.matchModel(payload); route != "" {
		return route
	}
	if hasTools(payload) {
		return "tools"
	}
	return config.DefaultRouteName
}

func (c *Classifier) matchModel(payload types.Payload) string {
	model := payloadModel(payload)
	if model == "" {
		return ""
	}
	for _, mp := range c.modelPatterns {
		if mp.re.MatchString(model) {
			return mp.route
		}
	}
	return ""
}

func estimateTokens(payload types.Payload) int {
	switch payload.Kind() {
	case types.KindChatRequest:
		req, _ := payload.ChatRequest()
		return tokenizer.EstimateChatTokens(req)
	case types.KindResponsesRequest:
		req, _ := payload.ResponsesRequest()
		return tokenizer.EstimateResponsesTokens(req)
	case types.KindMessagesRequest:
		req, _ := payload.MessagesRequest()
		return tokenizer.EstimateMessagesTokens(req)
	default:
		return 0
	}
}

func payloadModel(payload types.Payload) string {
	switch payload.Kind() {
	case types.KindChatRequest:
		req, _ := payload.ChatRequest()
		return req.Model
	case types.KindResponsesRequest:
		req, _ := payload.ResponsesRequest()
		return req.Model
	case types.KindMessagesRequest:
		req, _ := payload.MessagesRequest()
		return req.Model
	default:
		return ""
	}
}

// hasWebSearchTool matches the web-search tool conventions across the
// dialects: type "web_search*" or a function name mentioning web search.
func hasWebSearchTool(payload types.Payload) bool {
	if req, ok := payload.ChatRequest(); ok {
		for _, tool := range req.Tools {
			if isWebSearchName(tool.Type) || isWebSearchName(tool.Function.Name) {
				return true
			}
		}
	}
	if req, ok := payload.ResponsesRequest(); ok {
		for _, tool := range req.Tools {
			if isWebSearchName(tool.Type) || isWebSearchName(tool.Name) {
				return true
			}
		}
	}
	if req, ok := payload.MessagesRequest(); ok {
		for _, tool := range req.Tools {
			if isWebSearchName(tool.Name) {
				return true
			}
		}
	}
	return false
}

func isWebSearchName(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "web_search") || strings.Contains(name, "websearch")
}

func hasTools(payload types.Payload) bool {
	if req, ok := payload.ChatRequest(); ok {
		return len(req.Tools) > 0
	}
	if req, ok := payload.ResponsesRequest(); ok {
		return len(req.Tools) > 0
	}
	if req, ok := payload.MessagesRequest(); ok {
		return len(req.Tools) > 0
	}
	return false
}

// wantsThinking reports an explicit thinking request: the chat `thinking`
// field or an Anthropic thinking block with a budget.
func wantsThinking(payload types.Payload) bool {
	if req, ok := payload.ChatRequest(); ok && len(req.Thinking) > 0 {
		return thinkingEnabled(req.Thinking)
	}
	if req, ok := payload.MessagesRequest(); ok && len(req.Thinking) > 0 {
		return thinkingEnabled(req.Thinking)
	}
	return false
}

func thinkingEnabled(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var obj struct {
		Type    string `json:"type"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if obj.Enabled != nil {
		return *obj.Enabled
	}
	return obj.Type == "enabled"
}
