package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/pkg/errors"
)

// Stage transforms the request on the way down and the response on the way
// back up. Stages that only care about one direction implement the other as
// a no-op.
type Stage interface {
	Name() string
	ProcessIncoming(ctx context.Context, req *Request) error
	ProcessOutgoing(ctx context.Context, req *Request, resp *Response) error
}

// Provider is the terminal stage: it turns the fully transformed request
// into an upstream response.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Pipeline is one LLMSwitch → Workflow → Compatibility → Provider chain
// bound to a single (providerId, modelId, keyId).
type Pipeline struct {
	ID       string
	LLM      Stage
	Workflow Stage
	Compat   Stage
	Provider Provider

	Hooks   Hooks
	MaxWait time.Duration
}

// Run drives the request through all four stages. It returns a complete
// response or a typed error; partial results are never returned.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Response, error) {
	if p.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxWait)
		defer cancel()
	}
	start := time.Now()

	resp, err := p.run(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.NewGatewayTimeoutError("pipeline exceeded max wait").
				WithRequestID(req.Route.RequestID).
				WithRoute(req.Route.RouteName, req.Route.ProviderKey(), req.Route.ProviderID)
		}
		return nil, err
	}
	resp.Meta.ProcessingTime = time.Since(start)
	return resp, nil
}

func (p *Pipeline) run(ctx context.Context, req *Request) (*Response, error) {
	down := []Stage{p.LLM, p.Workflow, p.Compat}
	for _, stage := range down {
		if err := stage.ProcessIncoming(ctx, req); err != nil {
			return nil, p.wrapStageError(stage.Name(), req, err)
		}
		p.debugSnapshot(ctx, stage.Name(), req)
	}

	if req.Meta.Disconnected() {
		return nil, p.wrapStageError(p.Provider.Name(), req,
			errors.NewValidationError("client disconnected before upstream call"))
	}

	p.captureRequest(ctx, req)
	resp, err := p.Provider.Send(ctx, req)
	if err != nil {
		p.captureError(ctx, req, err)
		return nil, p.wrapStageError(p.Provider.Name(), req, err)
	}
	p.captureResponse(ctx, req, resp)

	// Response flows back up in reverse stage order.
	up := []Stage{p.Compat, p.Workflow, p.LLM}
	for _, stage := range up {
		if err := stage.ProcessOutgoing(ctx, req, resp); err != nil {
			return nil, p.wrapStageError(stage.Name(), req, err)
		}
	}
	return resp, nil
}

// wrapStageError stamps the failing stage and route onto the error. The
// inner GatewayError stays reachable through errors.As.
func (p *Pipeline) wrapStageError(stage string, req *Request, err error) error {
	ge := errors.AsGatewayError(err)
	ge.WithRequestID(req.Route.RequestID)
	ge.WithRoute(req.Route.RouteName, req.Route.ProviderKey(), req.Route.ProviderID)
	p.Hooks.Metric(context.Background(), "pipeline_stage_errors", 1, map[string]string{
		"stage": stage, "provider_key": req.Route.ProviderKey(),
	})
	return fmt.Errorf("stage %s (pipeline %s): %w", stage, p.ID, ge)
}

func (p *Pipeline) debugSnapshot(ctx context.Context, stage string, req *Request) {
	enabled := map[string]bool{
		"llmswitch":     req.Debug.LLMSwitch,
		"workflow":      req.Debug.Workflow,
		"compatibility": req.Debug.Compatibility,
	}
	if !enabled[stage] {
		return
	}
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return
	}
	p.Hooks.Snapshot(ctx, snapshot.Record{
		Phase:       snapshot.Phase("stage-" + stage),
		Endpoint:    req.Meta.Endpoint,
		RequestID:   req.Route.RequestID,
		ProviderKey: req.Route.ProviderKey(),
		Body:        body,
	})
}

func (p *Pipeline) captureRequest(ctx context.Context, req *Request) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return
	}
	p.Hooks.Snapshot(ctx, snapshot.Record{
		Phase:       snapshot.PhaseProviderRequest,
		Endpoint:    req.Meta.Endpoint,
		RequestID:   req.Route.RequestID,
		ProviderKey: req.Route.ProviderKey(),
		Headers:     req.Meta.Headers,
		Body:        body,
	})
}

func (p *Pipeline) captureResponse(ctx context.Context, req *Request, resp *Response) {
	rec := snapshot.Record{
		Phase:       snapshot.PhaseProviderResponse,
		Endpoint:    req.Meta.Endpoint,
		RequestID:   req.Route.RequestID,
		ProviderKey: req.Route.ProviderKey(),
	}
	if _, ok := resp.Payload.Stream(); ok {
		// The SSE tee serializes the stream body later; record the mode now.
		rec.Mode = "sse"
	} else if body, err := json.Marshal(resp.Payload); err == nil {
		rec.Body = body
	}
	p.Hooks.Snapshot(ctx, rec)
}

func (p *Pipeline) captureError(ctx context.Context, req *Request, err error) {
	p.Hooks.Snapshot(ctx, snapshot.Record{
		Phase:       snapshot.PhaseProviderError,
		Endpoint:    req.Meta.Endpoint,
		RequestID:   req.Route.RequestID,
		ProviderKey: req.Route.ProviderKey(),
		Text:        err.Error(),
	})
}
