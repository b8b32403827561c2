package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	// Keep the test hermetic: never merge the developer's real provider dir.
	if os.Getenv("ROUTECODEX_PROVIDER_DIR") == "" {
		t.Setenv("ROUTECODEX_PROVIDER_DIR", filepath.Join(t.TempDir(), "providers-none"))
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validJSON = `{
  "providers": {
    "lmstudio": {
      "type": "lmstudio",
      "base_url": "http://127.0.0.1:1234/v1",
      "auth": {"kind": "apikey", "keys": {"default": "local"}}
    },
    "qwen": {
      "type": "qwen",
      "base_url": "https://dashscope.example.com/v1",
      "auth": {"kind": "oauth", "oauth": {"client_id": "qwen-cli"}}
    }
  },
  "routes": {
    "default": ["lmstudio.gpt-oss-20b-mlx"],
    "longcontext": ["qwen.qwen-long.default"]
  }
}`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, "config.json", validJSON)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultPipelineMaxWaitMs, cfg.Pipeline.MaxWaitMs)
	assert.Equal(t, DefaultProviderTimeoutMs, cfg.Providers["lmstudio"].TimeoutMs)
	assert.Equal(t, DefaultProviderRetries, cfg.Providers["lmstudio"].MaxRetries)
	assert.Equal(t, 1000, cfg.Router.Thresholds.Medium)
	assert.Equal(t, 24000, cfg.Router.Thresholds.LongContext)
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
providers:
  glm:
    type: glm
    base_url: https://open.bigmodel.example/api
    auth:
      kind: apikey
      keys:
        default: env://GLM_KEY
routes:
  default: ["glm.glm-4"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "glm", cfg.Providers["glm"].Type)
	assert.Equal(t, "env://GLM_KEY", cfg.Providers["glm"].Auth.Keys["default"])
}

func TestUnknownProviderFailsLoad(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "providers": {
    "lmstudio": {"type": "lmstudio", "auth": {"kind": "apikey", "keys": {"default": "x"}}}
  },
  "routes": {"default": ["ghost.some-model"]}
}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUTECODEX_PIPELINE_MAX_WAIT_MS", "1234")
	t.Setenv("ROUTECODEX_PROVIDER_TIMEOUT_MS", "777")
	t.Setenv("ROUTECODEX_PROVIDER_DIR", filepath.Join(t.TempDir(), "none"))

	path := writeConfig(t, "config.json", validJSON)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1234, cfg.Pipeline.MaxWaitMs)
	assert.Equal(t, 777, cfg.Providers["lmstudio"].TimeoutMs)
}

func TestProviderDirMerge(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iflow.json"), []byte(`{
  "type": "iflow",
  "base_url": "https://api.iflow.example/v1",
  "auth": {"kind": "oauth", "oauth": {"client_id": "iflow-cli"}}
}`), 0o600))
	t.Setenv("ROUTECODEX_PROVIDER_DIR", dir)

	path := writeConfig(t, "config.json", validJSON)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Contains(t, cfg.Providers, "iflow")
	assert.Equal(t, "iflow", cfg.Providers["iflow"].Type)
}

func TestSplitRouteTarget(t *testing.T) {
	providers := map[string]ProviderConfig{
		"gemini": {Auth: AuthConfig{Keys: map[string]string{"work": "k"}}},
	}

	tests := []struct {
		target       string
		wantProvider string
		wantModel    string
		wantKey      string
	}{
		{"gemini.gemini-2.5-pro", "gemini", "gemini-2.5-pro", "default"},
		{"gemini.gemini-2.5-pro.work", "gemini", "gemini-2.5-pro", "work"},
		{"lmstudio.gpt-oss-20b-mlx", "lmstudio", "gpt-oss-20b-mlx", "default"},
	}
	for _, tt := range tests {
		provider, model, key, err := SplitRouteTarget(tt.target, providers)
		require.NoError(t, err, tt.target)
		assert.Equal(t, tt.wantProvider, provider, tt.target)
		assert.Equal(t, tt.wantModel, model, tt.target)
		assert.Equal(t, tt.wantKey, key, tt.target)
	}

	_, _, _, err := SplitRouteTarget("bare", providers)
	require.Error(t, err)
}

func TestManagerReload(t *testing.T) {
	t.Setenv("ROUTECODEX_PROVIDER_DIR", filepath.Join(t.TempDir(), "none"))
	path := writeConfig(t, "config.json", validJSON)

	logger := discardLogger()
	m, err := NewManager(path, logger)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NotNil(t, m.Get())
	assert.Equal(t, "lmstudio", m.Get().Providers["lmstudio"].Type)
}
