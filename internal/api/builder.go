package api

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/compat"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/healthcheck"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/observability"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/secret"
	"github.com/routecodex/routecodex/internal/secret/env"
	"github.com/routecodex/routecodex/internal/secret/vault"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/workflow"
	"github.com/routecodex/routecodex/pkg/types"
)

// Gateway is the assembled runtime: credentials, pipelines, router and the
// observability plumbing, built from one validated config.
type Gateway struct {
	cfg    *config.Config
	logger *observability.Logger

	resolver  *secret.Resolver
	creds     *auth.Manager
	sink      *snapshot.Sink
	hooks     pipeline.Hooks
	tracker   *healthcheck.Tracker
	prober    *healthcheck.Prober
	router    *router.Router
	rrStore   router.RoundRobinStore
	pipelines map[string]*pipeline.Pipeline
	bridge    *workflow.Bridge
}

// Build assembles the gateway. Invalid wiring (unknown provider types,
// unresolvable keys) fails here, before the listener opens.
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Gateway, error) {
	resolver, err := buildResolver(cfg, logger)
	if err != nil {
		return nil, err
	}

	creds := auth.NewManager()
	for providerID, pc := range cfg.Providers {
		if err := registerCredentials(creds, providerID, pc, resolver, logger); err != nil {
			return nil, err
		}
	}
	if err := creds.Initialize(ctx); err != nil {
		return nil, err
	}

	var uploader *snapshot.S3Uploader
	if s3cfg := cfg.Snapshots.S3; s3cfg != nil && s3cfg.Bucket != "" {
		uploader, err = snapshot.NewS3Uploader(ctx, snapshot.S3Config{
			Bucket:   s3cfg.Bucket,
			Prefix:   s3cfg.Prefix,
			Region:   s3cfg.Region,
			Endpoint: s3cfg.Endpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("snapshot s3 uploader: %w", err)
		}
	}
	sink := snapshot.NewSink(cfg.Snapshots.Dir, cfg.Snapshots.Enabled, uploader, logger)
	hooks := newGatewayHooks(logger, sink)

	tracker := healthcheck.NewTracker(time.Duration(cfg.Health.CooldownMs) * time.Millisecond)

	var rrStore router.RoundRobinStore
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rrStore = router.NewRedisRoundRobinStore(client)
	} else {
		rrStore = router.NewMemoryRoundRobinStore()
	}

	rt := router.New(cfg, rrStore, tracker, logger)

	g := &Gateway{
		cfg:       cfg,
		logger:    logger,
		resolver:  resolver,
		creds:     creds,
		sink:      sink,
		hooks:     hooks,
		tracker:   tracker,
		router:    rt,
		rrStore:   rrStore,
		pipelines: make(map[string]*pipeline.Pipeline),
		bridge: &workflow.Bridge{
			Heartbeat: time.Duration(cfg.Pipeline.HeartbeatMs) * time.Millisecond,
		},
	}

	for _, target := range rt.AllTargets() {
		pl, err := g.buildPipeline(target)
		if err != nil {
			return nil, err
		}
		g.pipelines[target.PipelineID] = pl
	}

	g.prober = healthcheck.NewProber(healthcheck.Config{
		Enabled:  cfg.Health.Enabled,
		Interval: time.Duration(cfg.Health.IntervalMs) * time.Millisecond,
		Timeout:  time.Duration(cfg.Health.TimeoutMs) * time.Millisecond,
		Cooldown: time.Duration(cfg.Health.CooldownMs) * time.Millisecond,
	}, tracker, g.probeTargets, logger)
	g.prober.Start(ctx)

	return g, nil
}

// buildPipeline wires the four stages for one route target.
func (g *Gateway) buildPipeline(target router.Target) (*pipeline.Pipeline, error) {
	pc, ok := g.cfg.Providers[target.ProviderID]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: unknown provider %q", target.PipelineID, target.ProviderID)
	}
	cred, _ := g.creds.Get(target.ProviderID, target.KeyID)

	maxTokens := pc.MaxTokens
	if mc, ok := pc.Models[target.ModelID]; ok && mc.MaxTokens > 0 {
		maxTokens = mc.MaxTokens
	}

	pcfg := provider.Config{
		ProviderID: target.ProviderID,
		Type:       pc.Type,
		BaseURL:    pc.BaseURL,
		Endpoint:   pc.Endpoint,
		Headers:    providerHeaders(pc),
		Timeout:    time.Duration(pc.TimeoutMs) * time.Millisecond,
		MaxRetries: pc.MaxRetries,
	}
	if g.cfg.Snapshots.CaptureStream {
		pcfg.SSELogDir = filepath.Join(config.HomeDir(), "logs", "sse")
	}

	var prov pipeline.Provider
	switch pc.Type {
	case "deepseek":
		prov = provider.NewDeepSeekProvider(pcfg, cred, g.hooks, nil)
	case "gemini", "antigravity":
		oauthCred, _ := cred.(*auth.OAuthCredential)
		var fallbacks []string
		if mc, ok := pc.Models[target.ModelID]; ok {
			fallbacks = mc.Fallbacks
		}
		prov = provider.NewGeminiProvider(pcfg, oauthCred, g.hooks, fallbacks)
	default:
		prov = provider.NewHTTPProvider(pcfg, cred, g.hooks)
	}

	return &pipeline.Pipeline{
		ID:  target.PipelineID,
		LLM: llmswitch.New(upstreamProtocol(pc.Type)),
		Workflow: workflow.New(workflow.Options{
			AlwaysStream:   pc.Type == "responses",
			SupportsStream: supportsStream(pc.Type),
		}),
		Compat:   compat.NewAdapter(compat.ProfileFor(pc.Type), maxTokens),
		Provider: prov,
		Hooks:    g.hooks,
		MaxWait:  time.Duration(g.cfg.Pipeline.MaxWaitMs) * time.Millisecond,
	}, nil
}

// providerHeaders merges config headers with provider-type constants that
// depend on runtime state (the Antigravity user agent).
func providerHeaders(pc config.ProviderConfig) map[string]string {
	if pc.Type != "antigravity" {
		return pc.Headers
	}
	headers := make(map[string]string, len(pc.Headers)+1)
	for k, v := range pc.Headers {
		headers[k] = v
	}
	if _, ok := headers["User-Agent"]; !ok {
		headers["User-Agent"] = auth.UserAgentFor(context.Background(), "antigravity")
	}
	return headers
}

func upstreamProtocol(providerType string) types.Protocol {
	switch providerType {
	case "anthropic":
		return types.ProtocolAnthropic
	case "responses":
		return types.ProtocolResponses
	default:
		return types.ProtocolChat
	}
}

// supportsStream reports upstream SSE capability per provider type. The
// Cloud Code surface is consumed request/response only.
func supportsStream(providerType string) bool {
	switch providerType {
	case "gemini", "antigravity":
		return false
	default:
		return true
	}
}

// registerCredentials installs one credential per (provider, keyId).
func registerCredentials(creds *auth.Manager, providerID string, pc config.ProviderConfig, resolver *secret.Resolver, logger *observability.Logger) error {
	switch pc.Auth.Kind {
	case "apikey":
		headerName := ""
		if pc.Type == "anthropic" {
			headerName = "x-api-key"
		}
		for keyID, ref := range pc.Auth.Keys {
			creds.Register(providerID, keyID,
				auth.NewAPIKeyCredential(providerID, headerName, []string{ref}, resolver))
		}
	case "oauth":
		oc := pc.Auth.OAuth
		tokenPath := oc.TokenFile
		if tokenPath == "" {
			tokenPath = auth.DefaultTokenPath(config.HomeDir(), providerID)
		}
		cred := auth.NewOAuthCredential(auth.OAuthConfig{
			ProviderID: providerID,
			KeyID:      "default",
			Flow: auth.DeviceFlowConfig{
				ClientID:      oc.ClientID,
				Scopes:        oc.Scopes,
				DeviceCodeURL: oc.DeviceCodeURL,
				TokenURL:      oc.TokenURL,
			},
			TokenPath:   tokenPath,
			RefreshSkew: time.Duration(oc.RefreshSkewMs) * time.Millisecond,
			Activator:   activatorFor(pc.Type, oc),
		}, nil)
		cred.SetNotify(func(userCode, verificationURI string) {
			logger.Info("complete device authorization",
				"provider", providerID, "user_code", userCode, "url", verificationURI)
		})
		creds.Register(providerID, "default", cred)
	default:
		return fmt.Errorf("provider %q: unknown auth kind %q", providerID, pc.Auth.Kind)
	}
	return nil
}

func activatorFor(providerType string, oc *config.OAuthConfig) auth.Activator {
	switch providerType {
	case "iflow":
		if oc.UserInfoURL != "" {
			return &auth.IFlowActivator{UserInfoURL: oc.UserInfoURL}
		}
	case "gemini", "antigravity":
		if oc.ProjectsURL != "" {
			return &auth.GeminiActivator{ProjectListURL: oc.ProjectsURL}
		}
	}
	return nil
}

func buildResolver(cfg *config.Config, logger *observability.Logger) (*secret.Resolver, error) {
	resolver := secret.NewResolver()
	resolver.Register("env", secret.NewCachedSource(env.New(), 5*time.Minute))

	if cfg.Vault.Enabled {
		source, err := vault.New(vault.Config{
			Address:    cfg.Vault.Address,
			AuthMethod: cfg.Vault.AuthMethod,
			Token:      cfg.Vault.Token,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
		}, logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("vault source: %w", err)
		}
		resolver.Register("vault", secret.NewCachedSource(source, 5*time.Minute))
	}
	return resolver, nil
}

// probeTargets lists provider base URLs for cooled-down pipelines.
func (g *Gateway) probeTargets() []healthcheck.ProbeTarget {
	var out []healthcheck.ProbeTarget
	for _, target := range g.router.AllTargets() {
		pc, ok := g.cfg.Providers[target.ProviderID]
		if !ok {
			continue
		}
		url := pc.BaseURL
		if url == "" {
			url = provider.ServiceProfileFor(pc.Type).BaseURL
		}
		out = append(out, healthcheck.ProbeTarget{
			PipelineID: target.PipelineID,
			URL:        url,
		})
	}
	return out
}

// Close releases gateway resources in dependency order.
func (g *Gateway) Close() {
	g.creds.Cleanup()
	g.sink.Close()
	_ = g.rrStore.Close()
	_ = g.resolver.Close()
}
