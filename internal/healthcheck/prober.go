// Package healthcheck tracks pipeline-target health for the router. A
// passive tracker records upstream failures with a cooldown; an optional
// prober re-checks provider endpoints in the background and clears
// cooldowns early.
package healthcheck

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routecodex/routecodex/internal/observability"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
	defaultCooldown      = 60 * time.Second
)

// Config controls health tracking.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	Cooldown time.Duration
}

// Tracker implements the router's health view. Targets enter cooldown on
// reported failure and recover by timeout or probe.
type Tracker struct {
	cooldown time.Duration

	mu            sync.Mutex
	cooldownUntil map[string]time.Time
}

// NewTracker creates the tracker.
func NewTracker(cooldown time.Duration) *Tracker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Tracker{
		cooldown:      cooldown,
		cooldownUntil: make(map[string]time.Time),
	}
}

// Healthy reports whether a pipeline target is outside its cooldown.
func (t *Tracker) Healthy(pipelineID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.cooldownUntil[pipelineID]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(t.cooldownUntil, pipelineID)
		return true
	}
	return false
}

// ReportFailure puts the target into cooldown.
func (t *Tracker) ReportFailure(pipelineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cooldownUntil[pipelineID] = time.Now().Add(t.cooldown)
}

// ReportSuccess clears any cooldown for the target.
func (t *Tracker) ReportSuccess(pipelineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cooldownUntil, pipelineID)
}

// ProbeTarget is one endpoint the prober checks.
type ProbeTarget struct {
	PipelineID string
	URL        string
}

// Prober re-checks cooled-down targets so they return to rotation as soon
// as the upstream recovers, instead of waiting out the full cooldown.
type Prober struct {
	cfg     Config
	tracker *Tracker
	targets func() []ProbeTarget
	logger  *observability.Logger
	client  *http.Client
	started atomic.Bool
}

// NewProber creates the prober. targets is consulted every cycle so config
// reloads take effect without restart.
func NewProber(cfg Config, tracker *Tracker, targets func() []ProbeTarget, logger *observability.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: targets,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

// runOnce probes only targets currently in cooldown.
func (p *Prober) runOnce(ctx context.Context) {
	for _, target := range p.targets() {
		if p.tracker.Healthy(target.PipelineID) || target.URL == "" {
			continue
		}
		if p.probe(ctx, target.URL) {
			p.logger.Info("target recovered", "pipeline_id", target.PipelineID)
			p.tracker.ReportSuccess(target.PipelineID)
		}
	}
}

// probe considers any HTTP response a sign of life; only transport
// failures keep the target down.
func (p *Prober) probe(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}
