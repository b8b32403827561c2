// Package metrics exposes Prometheus metrics for the gateway: request
// counts and latencies per route and provider, upstream retries, token
// usage and OAuth token expiry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const namespace = "routecodex"

// LatencyBuckets covers sub-second API calls through multi-minute
// generations.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300,
}

var (
	// RequestsTotal counts finished client requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"endpoint", "route", "provider", "code"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"endpoint", "route", "provider"},
	)

	// UpstreamDuration tracks the provider stage latency alone.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// ProviderRetries counts upstream retry attempts.
	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Total number of upstream retry attempts",
		},
		[]string{"provider"},
	)

	// TokensTotal counts tokens reported by upstream usage blocks.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed, by direction",
		},
		[]string{"provider", "direction"},
	)

	// OAuthTokenExpiry exposes seconds until each OAuth token expires.
	// Negative values mean the token is already expired.
	OAuthTokenExpiry = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oauth_token_expiry_seconds",
			Help:      "Seconds until the provider OAuth token expires",
		},
		[]string{"provider", "key"},
	)

	// StreamsActive gauges currently open SSE responses.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of SSE streams currently open to clients",
		},
	)
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
