package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// recordingStage appends its name to the shared trace on both directions.
type recordingStage struct {
	name  string
	trace *[]string

	incomingErr error
}

func (s *recordingStage) Name() string { return s.name }

func (s *recordingStage) ProcessIncoming(_ context.Context, _ *Request) error {
	*s.trace = append(*s.trace, s.name+":in")
	return s.incomingErr
}

func (s *recordingStage) ProcessOutgoing(_ context.Context, _ *Request, _ *Response) error {
	*s.trace = append(*s.trace, s.name+":out")
	return nil
}

type stubProvider struct {
	trace *[]string

	resp  *Response
	err   error
	delay time.Duration
	calls int
}

func (p *stubProvider) Name() string { return "provider" }

func (p *stubProvider) Send(ctx context.Context, _ *Request) (*Response, error) {
	p.calls++
	if p.trace != nil {
		*p.trace = append(*p.trace, "provider:send")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, errors.NewRequestTimeoutError("", "upstream call canceled")
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.resp != nil {
		return p.resp, nil
	}
	return &Response{Payload: types.ChatResponsePayload(&types.ChatResponse{})}, nil
}

func testPipeline(trace *[]string, prov *stubProvider) *Pipeline {
	return &Pipeline{
		ID:       "openai.gpt-4o.default",
		LLM:      &recordingStage{name: "llmswitch", trace: trace},
		Workflow: &recordingStage{name: "workflow", trace: trace},
		Compat:   &recordingStage{name: "compatibility", trace: trace},
		Provider: prov,
		Hooks:    NopHooks{},
	}
}

func testRequest() *Request {
	return &Request{
		Payload: types.ChatRequestPayload(&types.ChatRequest{Model: "gpt-4o"}),
		Route: RouteDecision{
			RouteName:  "default",
			ProviderID: "openai",
			ModelID:    "gpt-4o",
			KeyID:      "default",
			PipelineID: "openai.gpt-4o.default",
			RequestID:  "req-1",
		},
	}
}

func TestPipeline_StageOrder(t *testing.T) {
	var trace []string
	prov := &stubProvider{trace: &trace}

	resp, err := testPipeline(&trace, prov).Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Positive(t, resp.Meta.ProcessingTime)

	require.Equal(t, []string{
		"llmswitch:in", "workflow:in", "compatibility:in",
		"provider:send",
		"compatibility:out", "workflow:out", "llmswitch:out",
	}, trace)
}

func TestPipeline_WrapsStageErrors(t *testing.T) {
	var trace []string
	pl := testPipeline(&trace, &stubProvider{})
	pl.Workflow = &recordingStage{
		name: "workflow", trace: &trace,
		incomingErr: errors.NewValidationError("bad stream flag"),
	}

	_, err := pl.Run(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage workflow (pipeline openai.gpt-4o.default)")

	ge := errors.AsGatewayError(err)
	require.Equal(t, errors.KindValidation, ge.Kind)
	require.Equal(t, "req-1", ge.RequestID)
	require.Equal(t, "openai.gpt-4o.default", ge.ProviderKey)
	require.Equal(t, "default", ge.RouteName)
}

func TestPipeline_WrapsProviderErrors(t *testing.T) {
	var trace []string
	prov := &stubProvider{err: errors.NewUpstreamError("openai", "boom")}

	_, err := testPipeline(&trace, prov).Run(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage provider")

	ge := errors.AsGatewayError(err)
	require.Equal(t, errors.KindUpstream, ge.Kind)

	// The response path never ran.
	require.NotContains(t, trace, "compatibility:out")
}

func TestPipeline_MaxWaitBecomesGatewayTimeout(t *testing.T) {
	var trace []string
	prov := &stubProvider{delay: 500 * time.Millisecond}
	pl := testPipeline(&trace, prov)
	pl.MaxWait = 30 * time.Millisecond

	_, err := pl.Run(context.Background(), testRequest())
	require.Error(t, err)

	ge := errors.AsGatewayError(err)
	require.Equal(t, errors.KindGatewayTimeout, ge.Kind)
	require.Equal(t, "req-1", ge.RequestID)
}

func TestPipeline_SkipsUpstreamWhenClientGone(t *testing.T) {
	var trace []string
	prov := &stubProvider{}
	req := testRequest()
	req.Meta.ClientGone = func() bool { return true }

	_, err := testPipeline(&trace, prov).Run(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "client disconnected")
	require.Zero(t, prov.calls)
}
