// Package workflow reconciles the client's streaming preference with the
// upstream's streaming capability. The stage forces the outbound stream
// flag on the way down; on the way back up it consumes SSE fully when the
// client asked for JSON. Synthesis of SSE from JSON responses lives in the
// bridge and runs at the HTTP boundary.
package workflow

import (
	"context"

	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/pkg/types"
)

// Options configure the stream decision for one pipeline.
type Options struct {
	// AlwaysStream forces stream=true on the upstream request regardless
	// of the client's preference (Responses family).
	AlwaysStream bool

	// SupportsStream reports whether the upstream can stream at all.
	SupportsStream bool
}

// Workflow is the stream-control stage.
type Workflow struct {
	opts Options
}

// New creates the stage.
func New(opts Options) *Workflow {
	return &Workflow{opts: opts}
}

// Name implements pipeline.Stage.
func (w *Workflow) Name() string { return "workflow" }

// ProcessIncoming applies the decision table: the outbound stream flag is
// the client's wish clamped by upstream capability, or forced on when the
// upstream only streams.
func (w *Workflow) ProcessIncoming(_ context.Context, req *pipeline.Request) error {
	stream := req.Meta.ClientStream
	if !w.opts.SupportsStream {
		stream = false
	}
	if w.opts.AlwaysStream {
		stream = true
	}
	req.Meta.UpstreamStream = stream
	setPayloadStreamFlag(req.Payload, stream)
	return nil
}

// ProcessOutgoing bridges SSE to JSON when the upstream streamed but the
// client asked for a JSON body.
func (w *Workflow) ProcessOutgoing(_ context.Context, req *pipeline.Request, resp *pipeline.Response) error {
	stream, ok := resp.Payload.Stream()
	if !ok || req.Meta.ClientStream {
		return nil
	}

	defer func() { _ = stream.Close() }()
	switch stream.Dialect {
	case types.ProtocolChat:
		assembled, err := AssembleChatResponse(stream.Body)
		if err != nil {
			return err
		}
		resp.Payload = types.ChatResponsePayload(assembled)
		if assembled.Usage != nil {
			resp.Meta.Usage = assembled.Usage
		}
	case types.ProtocolResponses:
		assembled, err := AssembleResponsesResponse(stream.Body)
		if err != nil {
			return err
		}
		resp.Payload = types.ResponsesResponsePayload(assembled)
	default:
		return errors.NewConversionError("cannot assemble JSON from "+string(stream.Dialect)+" stream", false)
	}
	return nil
}

func setPayloadStreamFlag(p types.Payload, stream bool) {
	if r, ok := p.ChatRequest(); ok {
		r.Stream = stream
	}
	if r, ok := p.ResponsesRequest(); ok {
		r.Stream = stream
	}
	if r, ok := p.MessagesRequest(); ok {
		r.Stream = stream
	}
}
