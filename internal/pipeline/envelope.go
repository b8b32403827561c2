// Package pipeline drives a request through the four-stage chain
// LLMSwitch → Workflow → Compatibility → Provider. Each stage sees the
// request on the way down and the response on the way back up; the runner
// owns timeouts, per-stage error wrapping and boundary snapshots.
package pipeline

import (
	"net/http"
	"time"

	"github.com/routecodex/routecodex/pkg/types"
)

// RouteDecision records where the virtual router sent a request.
type RouteDecision struct {
	RouteName  string
	ProviderID string
	ModelID    string
	KeyID      string
	PipelineID string
	RequestID  string
	Timestamp  time.Time
}

// ProviderKey is the "provider.model.keyId" label used in snapshots,
// errors and metrics.
func (d RouteDecision) ProviderKey() string {
	return d.PipelineID
}

// Metadata carries transport-level facts about the inbound request.
type Metadata struct {
	// Endpoint is the inbound HTTP path, e.g. "/v1/chat/completions".
	Endpoint string

	// Protocol is the dialect the client spoke and expects back.
	Protocol types.Protocol

	// Headers are the captured client headers. Masking happens at the
	// snapshot boundary, not here.
	Headers http.Header

	// ClientStream is the client's streaming preference.
	ClientStream bool

	// UpstreamStream is the outbound streaming decision made by the
	// Workflow stage.
	UpstreamStream bool

	// ClientModel is the model name the client asked for; Compatibility
	// restores it on the response.
	ClientModel string

	// ExtraHeaders are upstream headers contributed by the Compatibility
	// stage (beta flags, provider quirks).
	ExtraHeaders map[string]string

	// RawBody is the original request body kept for snapshotting.
	RawBody []byte

	// ClientGone reports whether the client connection has closed. The
	// provider stage checks it before issuing upstream I/O.
	ClientGone func() bool
}

// Disconnected reports client-connection loss; a nil handle means unknown,
// treated as still connected.
func (m *Metadata) Disconnected() bool {
	return m.ClientGone != nil && m.ClientGone()
}

// DebugFlags enables extra capture per stage.
type DebugFlags struct {
	LLMSwitch     bool
	Workflow      bool
	Compatibility bool
	Provider      bool
}

// Request is the envelope moved down the pipeline.
type Request struct {
	Payload types.Payload
	Route   RouteDecision
	Meta    Metadata
	Debug   DebugFlags
}

// ResponseMetadata carries accounting for a finished response.
type ResponseMetadata struct {
	ProcessingTime time.Duration
	Usage          *types.Usage
	UpstreamModel  string
	RetryAttempts  int
}

// Response is the envelope moved back up the pipeline.
type Response struct {
	Payload types.Payload
	Status  int
	Headers http.Header
	Meta    ResponseMetadata
}
