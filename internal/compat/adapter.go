package compat

import (
	"context"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// fallbackMaxTokens closes the default chain when neither the request, the
// provider config nor the environment supplies a value.
const fallbackMaxTokens = 8192

// Profile bundles the quirks of one provider type.
type Profile struct {
	Name          string
	RequestRules  []MappingRule
	ResponseRules []MappingRule
	ExtraHeaders  map[string]string
	SanitizeTools bool
}

// builtinProfiles holds the shipped mapping tables per provider type.
// Tables are data, not adapter code; a config layer may extend them.
var builtinProfiles = map[string]*Profile{
	"openai":   {Name: "openai", SanitizeTools: true},
	"lmstudio": {Name: "lmstudio", SanitizeTools: true},
	"deepseek": {Name: "deepseek", SanitizeTools: true},
	"responses": {
		Name:          "responses",
		SanitizeTools: true,
		ExtraHeaders:  map[string]string{"OpenAI-Beta": "responses-2024-12-17"},
	},
	"anthropic": {Name: "anthropic", SanitizeTools: true},
	"qwen": {
		Name:          "qwen",
		SanitizeTools: true,
		ResponseRules: []MappingRule{
			{SourcePath: "choices.0.finish_reason", TargetPath: "choices.0.finish_reason",
				Direction: DirectionResponse, Transform: "normalizeFinishReason"},
		},
	},
	"glm": {
		Name:          "glm",
		SanitizeTools: true,
		ResponseRules: []MappingRule{
			{SourcePath: "choices.0.finish_reason", TargetPath: "choices.0.finish_reason",
				Direction: DirectionResponse, Transform: "normalizeFinishReason"},
		},
	},
	"iflow": {
		Name:          "iflow",
		SanitizeTools: true,
		ResponseRules: []MappingRule{
			{SourcePath: "choices.0.finish_reason", TargetPath: "choices.0.finish_reason",
				Direction: DirectionResponse, Transform: "normalizeFinishReason"},
		},
	},
	"gemini": {Name: "gemini", SanitizeTools: true},
}

// ProfileFor returns the profile for a provider type, falling back to the
// plain OpenAI profile.
func ProfileFor(providerType string) *Profile {
	if p, ok := builtinProfiles[providerType]; ok {
		return p
	}
	return builtinProfiles["openai"]
}

// Adapter is the Compatibility stage for one pipeline.
type Adapter struct {
	profile *Profile

	// configMaxTokens is the provider/model config override; zero means
	// unset.
	configMaxTokens int
}

// NewAdapter creates the stage.
func NewAdapter(profile *Profile, configMaxTokens int) *Adapter {
	return &Adapter{profile: profile, configMaxTokens: configMaxTokens}
}

// Name implements pipeline.Stage.
func (a *Adapter) Name() string { return "compatibility" }

// ProcessIncoming sanitizes tool schemas, applies the max_tokens default
// chain, injects provider headers and runs the request mapping table.
func (a *Adapter) ProcessIncoming(_ context.Context, req *pipeline.Request) error {
	if chatReq, ok := req.Payload.ChatRequest(); ok {
		if a.profile.SanitizeTools {
			chatReq.Tools = SanitizeTools(chatReq.Tools)
		}
		if chatReq.MaxTokens == nil {
			mt := a.defaultMaxTokens()
			chatReq.MaxTokens = &mt
		}
	}
	if respReq, ok := req.Payload.ResponsesRequest(); ok && respReq.MaxOutputTokens == nil {
		mt := a.defaultMaxTokens()
		respReq.MaxOutputTokens = &mt
	}
	if msgReq, ok := req.Payload.MessagesRequest(); ok && msgReq.MaxTokens == 0 {
		msgReq.MaxTokens = a.defaultMaxTokens()
	}

	if len(a.profile.ExtraHeaders) > 0 {
		if req.Meta.ExtraHeaders == nil {
			req.Meta.ExtraHeaders = make(map[string]string, len(a.profile.ExtraHeaders))
		}
		for k, v := range a.profile.ExtraHeaders {
			req.Meta.ExtraHeaders[k] = v
		}
	}

	if len(a.profile.RequestRules) > 0 {
		rewritten, err := a.rewritePayload(req.Payload, a.profile.RequestRules, DirectionRequest)
		if err != nil {
			return errors.NewConversionError("apply request mappings: "+err.Error(), true)
		}
		req.Payload = rewritten
	}
	return nil
}

// ProcessOutgoing normalizes reasoning and finish reasons, repairs tool
// arguments against the request's schemas, and restores the model name the
// client asked for.
func (a *Adapter) ProcessOutgoing(_ context.Context, req *pipeline.Request, resp *pipeline.Response) error {
	if _, ok := resp.Payload.Stream(); ok {
		return nil
	}

	if len(a.profile.ResponseRules) > 0 {
		rewritten, err := a.rewritePayload(resp.Payload, a.profile.ResponseRules, DirectionResponse)
		if err != nil {
			return errors.NewConversionError("apply response mappings: "+err.Error(), false)
		}
		resp.Payload = rewritten
	}

	if chatResp, ok := resp.Payload.ChatResponse(); ok {
		a.normalizeChatResponse(req, chatResp)
		resp.Meta.UpstreamModel = chatResp.Model
		if req.Meta.ClientModel != "" {
			chatResp.Model = req.Meta.ClientModel
		}
		if chatResp.Usage != nil {
			resp.Meta.Usage = chatResp.Usage
		}
	}
	if respResp, ok := resp.Payload.ResponsesResponse(); ok {
		resp.Meta.UpstreamModel = respResp.Model
		if req.Meta.ClientModel != "" {
			respResp.Model = req.Meta.ClientModel
		}
	}
	if msgResp, ok := resp.Payload.MessagesResponse(); ok {
		resp.Meta.UpstreamModel = msgResp.Model
		if req.Meta.ClientModel != "" {
			msgResp.Model = req.Meta.ClientModel
		}
	}
	return nil
}

func (a *Adapter) normalizeChatResponse(req *pipeline.Request, resp *types.ChatResponse) {
	var tools []types.Tool
	if chatReq, ok := req.Payload.ChatRequest(); ok {
		tools = chatReq.Tools
	}
	schemas := make(map[string]json.RawMessage, len(tools))
	for _, tool := range tools {
		schemas[tool.Function.Name] = tool.Function.Parameters
	}

	for i := range resp.Choices {
		choice := &resp.Choices[i]
		choice.FinishReason = normalizeFinishReason(choice.FinishReason)

		// Reasoning delivered inline as <think> blocks moves into the
		// canonical reasoning field.
		if text := choice.Message.TextContent(); text != "" && choice.Message.ReasoningContent == "" {
			if reasoning, rest := splitReasoningBlocks(text); reasoning != "" {
				choice.Message.ReasoningContent = reasoning
				choice.Message.SetTextContent(rest)
			}
		}

		for j := range choice.Message.ToolCalls {
			call := &choice.Message.ToolCalls[j]
			schema, ok := schemas[call.Function.Name]
			if !ok {
				continue
			}
			if fixed, changed := llmswitch.NormalizeToolCallArguments(schema, call.Function.Arguments); changed {
				call.Function.Arguments = fixed
			}
		}
	}
}

// defaultMaxTokens resolves the chain: config override, env default, 8192.
// A request-supplied value never reaches this point.
func (a *Adapter) defaultMaxTokens() int {
	if a.configMaxTokens > 0 {
		return a.configMaxTokens
	}
	if v := os.Getenv("ROUTECODEX_DEFAULT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallbackMaxTokens
}

// rewritePayload round-trips the payload through JSON to run the mapping
// table, preserving the payload kind.
func (a *Adapter) rewritePayload(p types.Payload, rules []MappingRule, d Direction) (types.Payload, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return p, err
	}
	doc, err = ApplyRules(doc, rules, d)
	if err != nil {
		return p, err
	}
	return decodePayloadAs(p.Kind(), doc)
}

func decodePayloadAs(kind types.PayloadKind, doc []byte) (types.Payload, error) {
	switch kind {
	case types.KindChatRequest:
		var v types.ChatRequest
		if err := json.Unmarshal(doc, &v); err != nil {
			return types.Payload{}, err
		}
		return types.ChatRequestPayload(&v), nil
	case types.KindChatResponse:
		var v types.ChatResponse
		if err := json.Unmarshal(doc, &v); err != nil {
			return types.Payload{}, err
		}
		return types.ChatResponsePayload(&v), nil
	case types.KindResponsesRequest:
		var v types.ResponsesRequest
		if err := json.Unmarshal(doc, &v); err != nil {
			return types.Payload{}, err
		}
		return types.ResponsesRequestPayload(&v), nil
	case types.KindResponsesResponse:
		var v types.ResponsesResponse
		if err := json.Unmarshal(doc, &v); err != nil {
			return types.Payload{}, err
		}
		return types.ResponsesResponsePayload(&v), nil
	case types.KindMessagesRequest:
		var v types.MessagesRequest
		if err := json.Unmarshal(doc, &v); err != nil {
			return types.Payload{}, err
		}
		return types.MessagesRequestPayload(&v), nil
	case types.KindMessagesResponse:
		var v types.MessagesResponse
		if err := json.Unmarshal(doc, &v); err != nil {
			return types.Payload{}, err
		}
		return types.MessagesResponsePayload(&v), nil
	default:
		return types.RawPayload(doc), nil
	}
}
