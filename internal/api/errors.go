package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/observability"
	"github.com/routecodex/routecodex/pkg/errors"
)

// errorBody is the client-facing error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message         string `json:"message"`
	Code            string `json:"code"`
	RequestID       string `json:"request_id,omitempty"`
	ProviderKey     string `json:"provider_key,omitempty"`
	RouteName       string `json:"route_name,omitempty"`
	ProviderType    string `json:"provider_type,omitempty"`
	UpstreamStatus  int    `json:"upstream_status,omitempty"`
	UpstreamCode    string `json:"upstream_code,omitempty"`
	UpstreamMessage string `json:"upstream_message,omitempty"`
}

// writeError maps any pipeline error onto the taxonomy envelope. This is
// the single place errors become HTTP.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge := errors.AsGatewayError(err)
	ge.WithRequestID(observability.RequestIDFromContext(r.Context()))

	body := errorBody{Error: errorDetail{
		Message:         ge.Message,
		Code:            ge.Kind,
		RequestID:       ge.RequestID,
		ProviderKey:     ge.ProviderKey,
		RouteName:       ge.RouteName,
		ProviderType:    ge.ProviderType,
		UpstreamStatus:  ge.UpstreamStatus,
		UpstreamCode:    ge.UpstreamCode,
		UpstreamMessage: ge.UpstreamMessage,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}
