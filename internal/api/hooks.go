package api

import (
	"context"

	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/observability"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/snapshot"
)

// gatewayHooks routes pipeline observability to the logger, the snapshot
// sink and Prometheus. It is the only Hooks implementation in production.
type gatewayHooks struct {
	logger *observability.Logger
	sink   *snapshot.Sink
}

func newGatewayHooks(logger *observability.Logger, sink *snapshot.Sink) pipeline.Hooks {
	return &gatewayHooks{logger: logger, sink: sink}
}

func (h *gatewayHooks) Log(ctx context.Context, level, msg string, args ...any) {
	logger := h.logger.WithRequestID(ctx)
	switch level {
	case "debug":
		logger.Debug(msg, args...)
	case "warn":
		logger.Warn(msg, args...)
	case "error":
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

func (h *gatewayHooks) Snapshot(ctx context.Context, rec snapshot.Record) {
	if rec.GroupID == "" {
		rec.GroupID = observability.GroupIDFromContext(ctx)
	}
	h.sink.Capture(rec)
}

func (h *gatewayHooks) Metric(_ context.Context, name string, value float64, labels map[string]string) {
	switch name {
	case "provider_retries":
		metrics.ProviderRetries.WithLabelValues(labels["provider"]).Add(value)
	case "upstream_duration_seconds":
		metrics.UpstreamDuration.WithLabelValues(labels["provider"]).Observe(value)
	case "pipeline_stage_errors":
		// Stage errors surface through requests_total status codes; log only.
		h.logger.Debug("pipeline stage error",
			"stage", labels["stage"], "provider_key", labels["provider_key"])
	}
}
