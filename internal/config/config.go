// Package config loads and validates gateway configuration. Files may be
// JSON or YAML; per-provider override files merge on top of the user config;
// ROUTECODEX_* environment variables win over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Defaults applied by applyDefaults.
const (
	DefaultPort               = 5506
	DefaultPipelineMaxWaitMs  = 300_000
	DefaultProviderTimeoutMs  = 60_000
	DefaultProviderRetries    = 3
	DefaultMaxTokens          = 8192
	DefaultHeartbeatMs        = 5_000
	DefaultRefreshSkewMs      = 300_000
	DefaultSessionReuseTtlMs  = 1_800_000
	DefaultPowTimeoutMs       = 15_000
	DefaultPowMaxAttempts     = 2
	DefaultSnapshotMaxSSEKiB  = 512
	DefaultMaxBodyBytes       = 10 * 1024 * 1024
	DefaultRouteName          = "default"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig              `json:"server" yaml:"server"`
	Logging   LoggingConfig             `json:"logging" yaml:"logging"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Routes    map[string][]string       `json:"routes" yaml:"routes"`
	Router    RouterConfig              `json:"router" yaml:"router"`
	Pipeline  PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Snapshots SnapshotConfig            `json:"snapshots" yaml:"snapshots"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics"`
	Tracing   TracingConfig             `json:"tracing" yaml:"tracing"`
	Health    HealthConfig              `json:"health" yaml:"health"`
	Redis     RedisConfig               `json:"redis" yaml:"redis"`
	Vault     VaultConfig               `json:"vault" yaml:"vault"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Type       string                 `json:"type" yaml:"type"`
	BaseURL    string                 `json:"base_url" yaml:"base_url"`
	Endpoint   string                 `json:"endpoint" yaml:"endpoint"`
	Models     map[string]ModelConfig `json:"models" yaml:"models"`
	Auth       AuthConfig             `json:"auth" yaml:"auth"`
	Headers    map[string]string      `json:"headers" yaml:"headers"`
	TimeoutMs  int                    `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries int                    `json:"max_retries" yaml:"max_retries"`
	MaxTokens  int                    `json:"max_tokens" yaml:"max_tokens"`
}

// ModelConfig holds per-model overrides.
type ModelConfig struct {
	MaxTokens int      `json:"max_tokens" yaml:"max_tokens"`
	Fallbacks []string `json:"fallbacks" yaml:"fallbacks"`
}

// AuthConfig selects the credential kind for a provider.
type AuthConfig struct {
	Kind string `json:"kind" yaml:"kind"` // "apikey" or "oauth"

	// Keys maps keyId to a key reference (literal, env://NAME, or
	// vault://path#field) for apikey providers.
	Keys map[string]string `json:"keys" yaml:"keys"`

	OAuth *OAuthConfig `json:"oauth" yaml:"oauth"`
}

// OAuthConfig describes a device-code OAuth client.
type OAuthConfig struct {
	ClientID      string   `json:"client_id" yaml:"client_id"`
	Scopes        []string `json:"scopes" yaml:"scopes"`
	DeviceCodeURL string   `json:"device_code_url" yaml:"device_code_url"`
	TokenURL      string   `json:"token_url" yaml:"token_url"`
	UserInfoURL   string   `json:"user_info_url" yaml:"user_info_url"`
	ProjectsURL   string   `json:"projects_url" yaml:"projects_url"`
	TokenFile     string   `json:"token_file" yaml:"token_file"`
	RefreshSkewMs int      `json:"refresh_skew_ms" yaml:"refresh_skew_ms"`
}

// RouterConfig controls request classification.
type RouterConfig struct {
	Thresholds    ThresholdConfig   `json:"thresholds" yaml:"thresholds"`
	ModelPatterns map[string]string `json:"model_patterns" yaml:"model_patterns"`
}

// ThresholdConfig holds the token-count category boundaries.
type ThresholdConfig struct {
	Medium      int `json:"medium" yaml:"medium"`
	Long        int `json:"long" yaml:"long"`
	VeryLong    int `json:"very_long" yaml:"very_long"`
	LongContext int `json:"long_context" yaml:"long_context"`
}

// PipelineConfig controls pipeline-level timing.
type PipelineConfig struct {
	MaxWaitMs            int `json:"max_wait_ms" yaml:"max_wait_ms"`
	HeartbeatMs          int `json:"heartbeat_ms" yaml:"heartbeat_ms"`
	ResponsesHeartbeatMs int `json:"responses_heartbeat_ms" yaml:"responses_heartbeat_ms"`
}

// SnapshotConfig controls observability captures.
type SnapshotConfig struct {
	Enabled       bool      `json:"enabled" yaml:"enabled"`
	Dir           string    `json:"dir" yaml:"dir"`
	CaptureStream bool      `json:"capture_stream" yaml:"capture_stream"`
	MaxSSEKiB     int       `json:"max_sse_kib" yaml:"max_sse_kib"`
	S3            *S3Config `json:"s3" yaml:"s3"`
}

// S3Config enables mirroring snapshot groups to an S3 bucket.
type S3Config struct {
	Bucket      string `json:"bucket" yaml:"bucket"`
	Region      string `json:"region" yaml:"region"`
	Prefix      string `json:"prefix" yaml:"prefix"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`
	SecretKey   string `json:"secret_key" yaml:"secret_key"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig controls the background prober.
type HealthConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	IntervalMs int  `json:"interval_ms" yaml:"interval_ms"`
	TimeoutMs  int  `json:"timeout_ms" yaml:"timeout_ms"`
	CooldownMs int  `json:"cooldown_ms" yaml:"cooldown_ms"`
}

// RedisConfig enables the shared round-robin store.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// VaultConfig enables the vault:// secret source.
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	AuthMethod string `json:"auth_method" yaml:"auth_method"`
	Token      string `json:"token" yaml:"token"`
	RoleID     string `json:"role_id" yaml:"role_id"`
	SecretID   string `json:"secret_id" yaml:"secret_id"`
}

// HomeDir returns the gateway state directory, ~/.routecodex.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routecodex"
	}
	return filepath.Join(home, ".routecodex")
}

// DefaultConfigPath returns the user config location, honoring
// ROUTECODEX_CONFIG_PATH.
func DefaultConfigPath() string {
	if p := os.Getenv("ROUTECODEX_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(HomeDir(), "config.json")
}

// Load reads the user config, merges provider override files and applies
// environment overrides and defaults. Validation failures are fatal.
func Load(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	if err := mergeProviderDir(cfg, providerDir()); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

func providerDir() string {
	if d := os.Getenv("ROUTECODEX_PROVIDER_DIR"); d != "" {
		return d
	}
	return filepath.Join(HomeDir(), "provider")
}

// mergeProviderDir overlays per-provider JSON files named <providerId>.json
// onto the main config. Missing directories are fine.
func mergeProviderDir(cfg *Config, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read provider dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read provider file %s: %w", entry.Name(), err)
		}
		var pc ProviderConfig
		if err := json.Unmarshal(data, &pc); err != nil {
			return fmt.Errorf("parse provider file %s: %w", entry.Name(), err)
		}
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		cfg.Providers[name] = pc
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("ROUTECODEX_PIPELINE_MAX_WAIT_MS"); ok {
		cfg.Pipeline.MaxWaitMs = v
	}
	if v, ok := envInt("ROUTECODEX_STREAM_HEARTBEAT_MS"); ok {
		cfg.Pipeline.HeartbeatMs = v
	}
	if v, ok := envInt("ROUTECODEX_RESPONSES_HEARTBEAT_MS"); ok {
		cfg.Pipeline.ResponsesHeartbeatMs = v
	}
	if v := os.Getenv("ROUTECODEX_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshots.Dir = v
	}
	if v := os.Getenv("ROUTECODEX_CAPTURE_STREAM_SNAPSHOTS"); v != "" {
		cfg.Snapshots.CaptureStream = v == "1" || strings.EqualFold(v, "true")
	}

	timeout, hasTimeout := envInt("ROUTECODEX_PROVIDER_TIMEOUT_MS")
	retries, hasRetries := envInt("ROUTECODEX_PROVIDER_RETRIES")
	maxTokens, hasMaxTokens := envInt("ROUTECODEX_DEFAULT_MAX_TOKENS")
	if hasTimeout || hasRetries || hasMaxTokens {
		for name, pc := range cfg.Providers {
			if hasTimeout {
				pc.TimeoutMs = timeout
			}
			if hasRetries {
				pc.MaxRetries = retries
			}
			if hasMaxTokens && pc.MaxTokens == 0 {
				pc.MaxTokens = maxTokens
			}
			cfg.Providers[name] = pc
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Pipeline.MaxWaitMs == 0 {
		cfg.Pipeline.MaxWaitMs = DefaultPipelineMaxWaitMs
	}
	if cfg.Pipeline.HeartbeatMs == 0 {
		cfg.Pipeline.HeartbeatMs = DefaultHeartbeatMs
	}
	if cfg.Pipeline.ResponsesHeartbeatMs == 0 {
		cfg.Pipeline.ResponsesHeartbeatMs = cfg.Pipeline.HeartbeatMs
	}
	if cfg.Router.Thresholds.Medium == 0 {
		cfg.Router.Thresholds.Medium = 1000
	}
	if cfg.Router.Thresholds.Long == 0 {
		cfg.Router.Thresholds.Long = 8000
	}
	if cfg.Router.Thresholds.VeryLong == 0 {
		cfg.Router.Thresholds.VeryLong = 32000
	}
	if cfg.Router.Thresholds.LongContext == 0 {
		cfg.Router.Thresholds.LongContext = 24000
	}
	if cfg.Snapshots.Dir == "" {
		cfg.Snapshots.Dir = filepath.Join(HomeDir(), "codex-samples")
	}
	if cfg.Snapshots.MaxSSEKiB == 0 {
		cfg.Snapshots.MaxSSEKiB = DefaultSnapshotMaxSSEKiB
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "routecodex"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
	if cfg.Health.IntervalMs == 0 {
		cfg.Health.IntervalMs = 30_000
	}
	if cfg.Health.TimeoutMs == 0 {
		cfg.Health.TimeoutMs = 10_000
	}
	if cfg.Health.CooldownMs == 0 {
		cfg.Health.CooldownMs = 60_000
	}

	for name, pc := range cfg.Providers {
		if pc.TimeoutMs == 0 {
			pc.TimeoutMs = DefaultProviderTimeoutMs
		}
		if pc.MaxRetries == 0 {
			pc.MaxRetries = DefaultProviderRetries
		}
		if pc.Auth.Kind == "" {
			pc.Auth.Kind = "apikey"
		}
		cfg.Providers[name] = pc
	}

	if cfg.Routes == nil {
		cfg.Routes = make(map[string][]string)
	}
}

// knownRouteNames are the categories the classifier can produce.
var knownRouteNames = map[string]bool{
	"default": true, "coding": true, "longcontext": true,
	"tools": true, "thinking": true, "webSearch": true,
}

// Validate rejects configurations that must never reach request time:
// route targets naming unknown providers, bad regexes, bad ports.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for name, pc := range c.Providers {
		if pc.Type == "" {
			return fmt.Errorf("provider %q: type is required", name)
		}
		switch pc.Auth.Kind {
		case "apikey":
			if len(pc.Auth.Keys) == 0 {
				return fmt.Errorf("provider %q: apikey auth requires at least one key", name)
			}
		case "oauth":
			if pc.Auth.OAuth == nil {
				return fmt.Errorf("provider %q: oauth auth requires an oauth block", name)
			}
			if pc.Auth.OAuth.ClientID == "" {
				return fmt.Errorf("provider %q: oauth client_id is required", name)
			}
		default:
			return fmt.Errorf("provider %q: unknown auth kind %q", name, pc.Auth.Kind)
		}
	}

	for route, targets := range c.Routes {
		if !knownRouteNames[route] {
			return fmt.Errorf("route %q: unknown route name", route)
		}
		for _, target := range targets {
			providerID, _, _, err := SplitRouteTarget(target, c.Providers)
			if err != nil {
				return fmt.Errorf("route %q: %w", route, err)
			}
			if _, ok := c.Providers[providerID]; !ok {
				return fmt.Errorf("route %q: target %q references unknown provider %q", route, target, providerID)
			}
		}
	}

	for pattern := range c.Router.ModelPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("router model pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// SplitRouteTarget parses "provider.model" or "provider.model.keyId" pool
// entries. Model names may themselves contain dots, so the trailing segment
// is treated as a keyId only when the provider declares it.
func SplitRouteTarget(target string, providers map[string]ProviderConfig) (providerID, modelID, keyID string, err error) {
	providerID, rest, found := strings.Cut(target, ".")
	if !found || rest == "" {
		return "", "", "", fmt.Errorf("target %q must be provider.model or provider.model.keyId", target)
	}

	keyID = "default"
	modelID = rest
	pc, ok := providers[providerID]
	if !ok {
		return providerID, modelID, keyID, nil
	}

	if idx := strings.LastIndex(rest, "."); idx > 0 {
		candidate := rest[idx+1:]
		if _, declared := pc.Auth.Keys[candidate]; declared {
			modelID = rest[:idx]
			keyID = candidate
		}
	}
	return providerID, modelID, keyID, nil
}
