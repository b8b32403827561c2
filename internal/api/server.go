package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/observability"
	"github.com/routecodex/routecodex/pkg/types"
)

// Server is the HTTP front of the gateway.
type Server struct {
	gateway *Gateway
	logger  *observability.Logger
	tracer  *observability.TracerProvider

	// ConfigPath is where POST /admin/config persists updates. Empty
	// disables updates.
	ConfigPath string
}

// NewServer wraps a built gateway. tracer may be nil when tracing is off.
func NewServer(gateway *Gateway, tracer *observability.TracerProvider) *Server {
	return &Server{
		gateway: gateway,
		logger:  gateway.logger,
		tracer:  tracer,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat/completions", s.completion(types.ProtocolChat))
	mux.Handle("POST /v1/completions", s.completion(types.ProtocolCompletions))
	mux.Handle("POST /v1/responses", s.completion(types.ProtocolResponses))
	mux.Handle("POST /v1/messages", s.completion(types.ProtocolAnthropic))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("/admin/config", s.handleAdminConfig)

	if s.gateway.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.gateway.cfg.Metrics.Path, metrics.Handler())
	}

	var handler http.Handler = mux
	handler = s.measure(handler)
	handler = observability.RequestIDMiddleware(handler)
	return handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	cfg := s.gateway.cfg.Server
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// measure wraps the mux with the request counter and latency histogram.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route, providerID := rec.route, rec.provider
		metrics.RequestsTotal.WithLabelValues(
			r.URL.Path, route, providerID, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(
			r.URL.Path, route, providerID).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the final status plus the routing labels the
// handler annotates after the router has decided.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	route    string
	provider string
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

// Flush lets SSE responses stream through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func annotateMetrics(w http.ResponseWriter, route, providerID string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.route = route
		rec.provider = providerID
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
