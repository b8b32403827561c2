package provider

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// GeminiProvider fronts the Cloud Code Assist generateContent surface. It
// rewrites Chat requests into Gemini contents, stamps the billing project
// from the OAuth token and walks the fallback model list on 429.
type GeminiProvider struct {
	*HTTPProvider

	oauth     *auth.OAuthCredential
	fallbacks []string
}

// NewGeminiProvider creates the variant. fallbacks are tried in order when
// the primary model is rate limited.
func NewGeminiProvider(cfg Config, cred *auth.OAuthCredential, hooks pipeline.Hooks, fallbacks []string) *GeminiProvider {
	if cfg.Type == "" {
		cfg.Type = "gemini"
	}
	var base auth.Credential
	if cred != nil {
		base = cred
	}
	p := &GeminiProvider{
		HTTPProvider: NewHTTPProvider(cfg, base, hooks),
		oauth:        cred,
		fallbacks:    fallbacks,
	}
	p.decodeRaw = true
	return p
}

// Send tries the routed model, then each fallback, within one request.
func (p *GeminiProvider) Send(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	chatReq, ok := req.Payload.ChatRequest()
	if !ok {
		return nil, errors.NewConversionError(
			fmt.Sprintf("gemini provider requires a chat request, got %s", req.Payload.Kind()), true)
	}

	project := ""
	if p.oauth != nil {
		if token := p.oauth.Token(); token != nil {
			project = token.ProjectID
		}
	}
	if project == "" {
		return nil, errors.NewAuthenticationError(p.cfg.ProviderID,
			"no cloud project on the oauth token; re-run authorization")
	}

	models := append([]string{req.Route.ModelID}, p.fallbacks...)
	var lastErr error
	for i, model := range models {
		if model == "" {
			continue
		}
		body, err := encodeGeminiRequest(chatReq, model, project)
		if err != nil {
			return nil, errors.NewConversionError("encode gemini request: "+err.Error(), true)
		}

		resp, err := p.dispatch(ctx, req, body, false)
		if err == nil {
			return p.decode(req, resp, model)
		}
		lastErr = err

		ge := errors.AsGatewayError(err)
		if ge == nil || ge.UpstreamStatus != 429 || i == len(models)-1 {
			return nil, err
		}
		p.hooks.Log(ctx, "warn", "gemini model rate limited, trying fallback",
			"provider_key", req.Route.ProviderKey(), "model", model)
	}
	return nil, lastErr
}

func (p *GeminiProvider) decode(req *pipeline.Request, resp *pipeline.Response, model string) (*pipeline.Response, error) {
	raw, ok := resp.Payload.Raw()
	if !ok {
		if chatResp, isChat := resp.Payload.ChatResponse(); isChat {
			chatResp.Model = model
			return resp, nil
		}
		return resp, nil
	}
	chatResp, err := decodeGeminiResponse(raw, model)
	if err != nil {
		return nil, errors.NewConversionError("decode gemini response: "+err.Error(), false)
	}
	resp.Payload = types.ChatResponsePayload(chatResp)
	return resp, nil
}

// geminiContent mirrors the Cloud Code request shape.
type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

// encodeGeminiRequest rewrites an OpenAI chat request into the Cloud Code
// envelope: messages become contents, sampling knobs flatten into
// generationConfig, the system prompt moves to systemInstruction.
func encodeGeminiRequest(chatReq *types.ChatRequest, model, project string) ([]byte, error) {
	var contents []geminiContent
	var systemParts []geminiPart

	for i := range chatReq.Messages {
		msg := &chatReq.Messages[i]
		text := msg.TextContent()
		switch msg.Role {
		case "system":
			if text != "" {
				systemParts = append(systemParts, geminiPart{Text: text})
			}
		case "assistant":
			content := geminiContent{Role: "model"}
			if text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			for _, call := range msg.ToolCalls {
				fc, err := json.Marshal(map[string]json.RawMessage{
					"name": json.RawMessage(`"` + call.Function.Name + `"`),
					"args": json.RawMessage(call.Function.Arguments),
				})
				if err != nil {
					continue
				}
				content.Parts = append(content.Parts, geminiPart{FunctionCall: fc})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case "tool":
			fr, err := json.Marshal(map[string]any{
				"name":     msg.Name,
				"response": map[string]string{"content": text},
			})
			if err != nil {
				continue
			}
			contents = append(contents, geminiContent{Role: "user",
				Parts: []geminiPart{{FunctionResponse: fr}}})
		default:
			contents = append(contents, geminiContent{Role: "user",
				Parts: []geminiPart{{Text: text}}})
		}
	}

	generationConfig := map[string]any{}
	if chatReq.Temperature != nil {
		generationConfig["temperature"] = *chatReq.Temperature
	}
	if chatReq.TopP != nil {
		generationConfig["topP"] = *chatReq.TopP
	}
	if chatReq.MaxTokens != nil {
		generationConfig["maxOutputTokens"] = *chatReq.MaxTokens
	}

	inner := map[string]any{"contents": contents}
	if len(generationConfig) > 0 {
		inner["generationConfig"] = generationConfig
	}
	if len(systemParts) > 0 {
		inner["systemInstruction"] = map[string]any{"parts": systemParts}
	}

	return json.Marshal(map[string]any{
		"model":   model,
		"project": project,
		"request": inner,
	})
}

// decodeGeminiResponse flattens Cloud Code candidates into an OpenAI chat
// response.
func decodeGeminiResponse(raw json.RawMessage, model string) (*types.ChatResponse, error) {
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Response) > 0 {
		raw = envelope.Response
	}

	var payload struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string          `json:"name"`
						Args json.RawMessage `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if len(payload.Candidates) == 0 {
		return nil, fmt.Errorf("response has no candidates")
	}

	resp := &types.ChatResponse{
		Object: "chat.completion",
		Model:  model,
	}
	for i, cand := range payload.Candidates {
		msg := types.ChatMessage{Role: "assistant"}
		var text string
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text += part.Text
			}
			if part.FunctionCall != nil {
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
					ID:   fmt.Sprintf("call_%d", len(msg.ToolCalls)),
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
			}
		}
		if text != "" {
			msg.SetTextContent(text)
		}

		finish := "stop"
		switch cand.FinishReason {
		case "MAX_TOKENS":
			finish = "length"
		case "SAFETY", "RECITATION":
			finish = "content_filter"
		}
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		}
		resp.Choices = append(resp.Choices, types.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}
	if payload.UsageMetadata != nil {
		resp.Usage = &types.Usage{
			PromptTokens:     payload.UsageMetadata.PromptTokenCount,
			CompletionTokens: payload.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      payload.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}
