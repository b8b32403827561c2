// Package router classifies inbound requests into route categories and
// picks a concrete pipeline from the category's pool, round-robin with
// health-aware skipping.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/observability"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/pkg/errors"
)

// Target is one resolved pool entry.
type Target struct {
	ProviderID string
	ModelID    string
	KeyID      string
	PipelineID string
}

// HealthView answers whether a pipeline target is currently usable. A nil
// view treats everything as healthy.
type HealthView interface {
	Healthy(pipelineID string) bool
}

// Router owns the route table and the rotation state.
type Router struct {
	classifier *Classifier
	routes     map[string][]Target
	store      RoundRobinStore
	health     HealthView
	logger     *observability.Logger
}

// New builds the router from a validated config. Route targets referencing
// unknown providers were rejected at load time.
func New(cfg *config.Config, store RoundRobinStore, health HealthView, logger *observability.Logger) *Router {
	routes := make(map[string][]Target, len(cfg.Routes))
	for name, targets := range cfg.Routes {
		pool := make([]Target, 0, len(targets))
		for _, raw := range targets {
			providerID, modelID, keyID, err := config.SplitRouteTarget(raw, cfg.Providers)
			if err != nil {
				continue
			}
			pool = append(pool, Target{
				ProviderID: providerID,
				ModelID:    modelID,
				KeyID:      keyID,
				PipelineID: providerID + "." + modelID + "." + keyID,
			})
		}
		routes[name] = pool
	}
	if store == nil {
		store = NewMemoryRoundRobinStore()
	}
	return &Router{
		classifier: NewClassifier(cfg.Router),
		routes:     routes,
		store:      store,
		health:     health,
		logger:     logger,
	}
}

// Route classifies the payload and stamps the request with a decision. It
// fails with pipeline_unavailable only when the default pool is empty too.
func (r *Router) Route(ctx context.Context, req *pipeline.Request) error {
	routeName := r.classifier.Classify(req.Payload)

	pool := r.routes[routeName]
	if len(pool) == 0 && routeName != config.DefaultRouteName {
		r.logger.Debug("route has no pool, falling back to default", "route", routeName)
		routeName = config.DefaultRouteName
		pool = r.routes[routeName]
	}
	if len(pool) == 0 {
		return errors.NewPipelineUnavailableError(
			"no pipeline available for route " + routeName)
	}

	target, ok := r.pick(ctx, routeName, pool)
	if !ok {
		return errors.NewPipelineUnavailableError(
			"all pipelines unhealthy for route " + routeName)
	}

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Route = pipeline.RouteDecision{
		RouteName:  routeName,
		ProviderID: target.ProviderID,
		ModelID:    target.ModelID,
		KeyID:      target.KeyID,
		PipelineID: target.PipelineID,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}
	req.Meta.ClientModel = payloadModel(req.Payload)
	return nil
}

// pick rotates through the pool, skipping unhealthy targets. When every
// target is masked the rotation result is returned anyway only if the mask
// is empty; otherwise selection fails.
func (r *Router) pick(ctx context.Context, routeName string, pool []Target) (Target, bool) {
	start, err := r.store.NextIndex(ctx, routeName, len(pool))
	if err != nil {
		start = 0
	}
	for i := 0; i < len(pool); i++ {
		target := pool[(start+i)%len(pool)]
		if r.health == nil || r.health.Healthy(target.PipelineID) {
			return target, true
		}
	}
	return Target{}, false
}

// Targets lists the pool for a route name. The health prober iterates it.
func (r *Router) Targets(routeName string) []Target {
	return r.routes[routeName]
}

// AllTargets lists every distinct target across routes.
func (r *Router) AllTargets() []Target {
	seen := make(map[string]bool)
	var out []Target
	for _, pool := range r.routes {
		for _, target := range pool {
			if !seen[target.PipelineID] {
				seen[target.PipelineID] = true
				out = append(out, target)
			}
		}
	}
	return out
}
