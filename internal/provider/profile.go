// Package provider is the pipeline's HTTP transport stage. One generic
// implementation issues the upstream POST; per-provider variants wrap it
// for session rituals (DeepSeek PoW), model fallback (Gemini) and the
// always-streaming Responses surface.
package provider

// ServiceProfile holds the per-provider-type constants the transport
// consults: base URL, endpoint paths and default headers. Config overrides
// every field.
type ServiceProfile struct {
	Type string

	BaseURL string

	ChatEndpoint      string
	ResponsesEndpoint string
	MessagesEndpoint  string

	DefaultHeaders map[string]string

	// AlwaysStream forces stream=true on the upstream request regardless
	// of the client's preference; Workflow bridges back to JSON.
	AlwaysStream bool
}

var builtinServiceProfiles = map[string]*ServiceProfile{
	"openai": {
		Type:         "openai",
		BaseURL:      "https://api.openai.com/v1",
		ChatEndpoint: "/chat/completions",
	},
	"responses": {
		Type:              "responses",
		BaseURL:           "https://api.openai.com/v1",
		ResponsesEndpoint: "/responses",
		AlwaysStream:      true,
	},
	"lmstudio": {
		Type:         "lmstudio",
		BaseURL:      "http://127.0.0.1:1234/v1",
		ChatEndpoint: "/chat/completions",
	},
	"anthropic": {
		Type:             "anthropic",
		BaseURL:          "https://api.anthropic.com/v1",
		MessagesEndpoint: "/messages",
		DefaultHeaders:   map[string]string{"anthropic-version": "2023-06-01"},
	},
	"qwen": {
		Type:         "qwen",
		BaseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		ChatEndpoint: "/chat/completions",
	},
	"glm": {
		Type:         "glm",
		BaseURL:      "https://open.bigmodel.cn/api/paas/v4",
		ChatEndpoint: "/chat/completions",
	},
	"iflow": {
		Type:         "iflow",
		BaseURL:      "https://apis.iflow.cn/v1",
		ChatEndpoint: "/chat/completions",
	},
	"deepseek": {
		Type:         "deepseek",
		BaseURL:      "https://chat.deepseek.com",
		ChatEndpoint: "/api/v0/chat/completion",
	},
	"gemini": {
		Type:         "gemini",
		BaseURL:      "https://cloudcode-pa.googleapis.com/v1internal",
		ChatEndpoint: ":generateContent",
	},
	"antigravity": {
		Type:         "antigravity",
		BaseURL:      "https://cloudcode-pa.googleapis.com/v1internal",
		ChatEndpoint: ":generateContent",
	},
}

// ServiceProfileFor returns the profile for a provider type, falling back
// to the plain OpenAI shape.
func ServiceProfileFor(providerType string) *ServiceProfile {
	if p, ok := builtinServiceProfiles[providerType]; ok {
		return p
	}
	return builtinServiceProfiles["openai"]
}
