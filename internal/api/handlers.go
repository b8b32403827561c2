package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/observability"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/pool"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/workflow"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// completion handles the four inference endpoints. The protocol names the
// dialect the client speaks; everything after decode is shared.
func (s *Server) completion(protocol types.Protocol) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := observability.RequestIDFromContext(ctx)
		if s.tracer != nil {
			var span = func() {}
			ctx, span = s.startSpan(ctx, r.URL.Path, requestID)
			defer span()
		}

		body, err := httputil.ReadLimitedBody(r.Body, s.gateway.cfg.Server.MaxBodyBytes)
		if err != nil {
			writeError(w, r, errors.NewValidationError("read request body: "+err.Error()))
			return
		}

		payload, clientStream, err := decodeInbound(protocol, body, r.Header)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := s.handleAuthTrigger(r); err != nil {
			writeError(w, r, err)
			return
		}

		req := pool.GetRequest()
		defer pool.PutRequest(req)
		req.Payload = payload
		req.Meta = pipeline.Metadata{
			Endpoint:     r.URL.Path,
			Protocol:     protocol,
			Headers:      r.Header,
			ClientStream: clientStream,
			RawBody:      body,
			ClientGone: func() bool {
				select {
				case <-r.Context().Done():
					return true
				default:
					return false
				}
			},
		}

		if err := s.gateway.router.Route(ctx, req); err != nil {
			writeError(w, r, err)
			return
		}
		annotateMetrics(w, req.Route.RouteName, req.Route.ProviderID)
		ctx = observability.ContextWithGroupID(ctx, req.Route.RequestID)

		s.gateway.hooks.Snapshot(ctx, snapshot.Record{
			Phase:       snapshot.PhaseClientRequest,
			Endpoint:    r.URL.Path,
			RequestID:   req.Route.RequestID,
			ProviderKey: req.Route.ProviderKey(),
			Headers:     r.Header,
			Body:        body,
		})

		pl, ok := s.gateway.pipelines[req.Route.PipelineID]
		if !ok {
			writeError(w, r, errors.NewPipelineUnavailableError(
				"no pipeline built for "+req.Route.PipelineID))
			return
		}

		resp, err := pl.Run(ctx, req)
		if err != nil {
			s.noteOutcome(req, err)
			writeError(w, r, err)
			return
		}
		s.noteOutcome(req, nil)
		s.writeResponse(w, r, protocol, req, resp)
	})
}

// startSpan opens the request span and returns the close func.
func (s *Server) startSpan(ctx context.Context, endpoint, requestID string) (context.Context, func()) {
	spanCtx, span := s.tracer.StartRequestSpan(ctx, endpoint, requestID)
	return spanCtx, func() { observability.EndSpan(span, nil) }
}

// noteOutcome feeds the health tracker and the usage counters.
func (s *Server) noteOutcome(req *pipeline.Request, err error) {
	id := req.Route.PipelineID
	if err == nil {
		s.gateway.tracker.ReportSuccess(id)
		return
	}
	ge := errors.AsGatewayError(err)
	switch ge.Kind {
	case errors.KindUpstream, errors.KindRequestTimeout, errors.KindGatewayTimeout:
		s.gateway.tracker.ReportFailure(id)
	}
}

// writeResponse emits the final body: forwarded SSE, synthesized SSE or
// plain JSON, per the client's streaming preference.
func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, protocol types.Protocol, req *pipeline.Request, resp *pipeline.Response) {
	if usage := resp.Meta.Usage; usage != nil {
		metrics.TokensTotal.WithLabelValues(req.Route.ProviderID, "input").
			Add(float64(usage.PromptTokens))
		metrics.TokensTotal.WithLabelValues(req.Route.ProviderID, "output").
			Add(float64(usage.CompletionTokens))
	}

	if stream, ok := resp.Payload.Stream(); ok {
		workflow.SetSSEHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		metrics.StreamsActive.Inc()
		defer metrics.StreamsActive.Dec()

		if err := s.gateway.bridge.Forward(r.Context(), w, stream, nil); err != nil {
			s.logger.WithRequestID(r.Context()).Debug("stream ended early", "error", err)
		}
		return
	}

	if req.Meta.ClientStream {
		workflow.SetSSEHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		metrics.StreamsActive.Inc()
		defer metrics.StreamsActive.Dec()
		s.synthesize(w, r, protocol, resp)
		return
	}

	var out any = resp.Payload
	if protocol == types.ProtocolCompletions {
		if chatResp, ok := resp.Payload.ChatResponse(); ok {
			out = types.CompletionResponseFromChat(chatResp)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.WithRequestID(r.Context()).Debug("response write failed", "error", err)
	}
}

// synthesize renders a JSON response as an SSE stream in the client's
// dialect.
func (s *Server) synthesize(w http.ResponseWriter, r *http.Request, protocol types.Protocol, resp *pipeline.Response) {
	var err error
	switch protocol {
	case types.ProtocolResponses:
		respResp, ok := resp.Payload.ResponsesResponse()
		if !ok {
			err = errors.NewConversionError("expected responses payload for SSE synthesis", false)
			break
		}
		err = s.gateway.bridge.SynthesizeResponsesSSE(w, respResp)
	case types.ProtocolAnthropic:
		msgResp, ok := resp.Payload.MessagesResponse()
		if !ok {
			err = errors.NewConversionError("expected messages payload for SSE synthesis", false)
			break
		}
		err = s.gateway.bridge.SynthesizeAnthropicSSE(w, msgResp)
	default:
		chatResp, ok := resp.Payload.ChatResponse()
		if !ok {
			err = errors.NewConversionError("expected chat payload for SSE synthesis", false)
			break
		}
		err = s.gateway.bridge.SynthesizeChatSSE(w, chatResp)
	}
	if err != nil {
		ge := errors.AsGatewayError(err)
		ge.WithRequestID(observability.RequestIDFromContext(r.Context()))
		s.gateway.bridge.ErrorFrame(w, ge)
	}
}

// handleAuthTrigger services "Authorization: Bearer auth-<provider>": the
// literal key names an OAuth provider whose device flow should run when no
// token is on file.
func (s *Server) handleAuthTrigger(r *http.Request) error {
	const bearer = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, bearer) {
		return nil
	}
	key := strings.TrimPrefix(value, bearer)
	if !strings.HasPrefix(key, "auth-") {
		return nil
	}
	providerID := strings.TrimPrefix(key, "auth-")

	cred, ok := s.gateway.creds.Get(providerID, "default")
	if !ok {
		return errors.NewAuthenticationError(providerID, "unknown oauth provider "+providerID)
	}
	oauthCred, ok := cred.(*auth.OAuthCredential)
	if !ok {
		return errors.NewAuthenticationError(providerID, providerID+" does not use oauth")
	}
	if oauthCred.Token() != nil {
		return nil
	}
	return oauthCred.Authorize(r.Context())
}

// decodeInbound parses the body in the endpoint's dialect and derives the
// client streaming preference.
func decodeInbound(protocol types.Protocol, body []byte, header http.Header) (types.Payload, bool, error) {
	acceptSSE := strings.Contains(header.Get("Accept"), "text/event-stream")

	switch protocol {
	case types.ProtocolChat:
		var req types.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return types.Payload{}, false, errors.NewValidationError("parse chat request: " + err.Error())
		}
		return types.ChatRequestPayload(&req), req.Stream || acceptSSE, nil

	case types.ProtocolCompletions:
		var req types.CompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return types.Payload{}, false, errors.NewValidationError("parse completion request: " + err.Error())
		}
		return types.ChatRequestPayload(req.ToChatRequest()), req.Stream || acceptSSE, nil

	case types.ProtocolResponses:
		var req types.ResponsesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return types.Payload{}, false, errors.NewValidationError("parse responses request: " + err.Error())
		}
		// The Responses surface streams unless the client says otherwise.
		stream := req.Stream || acceptSSE
		if !gjson.GetBytes(body, "stream").Exists() {
			stream = true
		}
		return types.ResponsesRequestPayload(&req), stream, nil

	case types.ProtocolAnthropic:
		var req types.MessagesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return types.Payload{}, false, errors.NewValidationError("parse messages request: " + err.Error())
		}
		return types.MessagesRequestPayload(&req), req.Stream || acceptSSE, nil

	default:
		return types.Payload{}, false, errors.NewValidationError("unsupported protocol")
	}
}
