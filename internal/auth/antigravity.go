package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/httputil"
)

const (
	antigravityVersionTimeout  = 3 * time.Second
	antigravityVersionCacheTTL = 30 * time.Minute
	antigravityFallbackVersion = "1.13.3"
	antigravityVersionURL      = "https://antigravity-updates.windsurf.com/api/version/stable"
)

// antigravityPlatforms pins the os/arch token per provider alias. The
// values come from the browser fingerprint each alias was registered with
// and must never follow the current host, or the upstream invalidates the
// OAuth session.
var antigravityPlatforms = map[string]string{
	"antigravity":         "darwin/arm64",
	"antigravity-darwin":  "darwin/arm64",
	"antigravity-linux":   "linux/x64",
	"antigravity-windows": "win32/x64",
}

// AntigravityUA builds the user agent for Antigravity requests. The
// version comes from the remote updater with a short timeout and a disk
// cache; env knobs override every part for offline use.
type AntigravityUA struct {
	cachePath string
	client    *http.Client

	mu      sync.Mutex
	version string
	fetched time.Time
}

type uaVersionCache struct {
	Version   string `json:"version"`
	FetchedAt int64  `json:"fetched_at"` // unix milliseconds
}

var antigravityUA *AntigravityUA

// InitAntigravityUA sets up the process-wide UA cache rooted at stateDir.
func InitAntigravityUA(stateDir string) {
	antigravityUA = NewAntigravityUA(filepath.Join(stateDir, "state", "antigravity-ua-version.json"))
}

// ShutdownAntigravityUA releases the process-wide UA cache.
func ShutdownAntigravityUA() {
	antigravityUA = nil
}

// UserAgentFor returns the UA string for an alias using the process-wide
// cache. Before InitAntigravityUA runs it builds an uncached instance.
func UserAgentFor(ctx context.Context, alias string) string {
	ua := antigravityUA
	if ua == nil {
		ua = NewAntigravityUA("")
	}
	return ua.For(ctx, alias)
}

// NewAntigravityUA creates a UA builder with a version cache at cachePath.
// An empty path disables the disk cache.
func NewAntigravityUA(cachePath string) *AntigravityUA {
	return &AntigravityUA{
		cachePath: cachePath,
		client:    &http.Client{Timeout: antigravityVersionTimeout},
	}
}

// For returns `antigravity/<version> <os>/<arch>` for the alias.
func (u *AntigravityUA) For(ctx context.Context, alias string) string {
	if override := os.Getenv("ROUTECODEX_ANTIGRAVITY_UA_USER_AGENT"); override != "" {
		return override
	}

	platform, ok := antigravityPlatforms[alias]
	if !ok {
		platform = antigravityPlatforms["antigravity"]
	}
	ua := fmt.Sprintf("antigravity/%s %s", u.resolveVersion(ctx), platform)
	if suffix := os.Getenv("ROUTECODEX_ANTIGRAVITY_UA_SUFFIX"); suffix != "" {
		ua += " " + suffix
	}
	return ua
}

func (u *AntigravityUA) resolveVersion(ctx context.Context) string {
	if v := os.Getenv("ROUTECODEX_ANTIGRAVITY_UA_VERSION"); v != "" {
		return v
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.version != "" && time.Since(u.fetched) < antigravityVersionCacheTTL {
		return u.version
	}
	if v, at, ok := u.loadDiskCache(); ok && time.Since(at) < antigravityVersionCacheTTL {
		u.version, u.fetched = v, at
		return v
	}

	if os.Getenv("ROUTECODEX_ANTIGRAVITY_UA_DISABLE_REMOTE") != "1" {
		if v, err := u.fetchRemote(ctx); err == nil {
			u.version, u.fetched = v, time.Now()
			u.saveDiskCache(v)
			return v
		}
	}

	// Stale disk cache beats the hardcoded fallback.
	if v, _, ok := u.loadDiskCache(); ok {
		u.version, u.fetched = v, time.Now()
		return v
	}
	u.version, u.fetched = antigravityFallbackVersion, time.Now()
	return u.version
}

func (u *AntigravityUA) fetchRemote(ctx context.Context) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, antigravityVersionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, antigravityVersionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("updater returned %d", resp.StatusCode)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, 64<<10)
	if err != nil {
		return "", err
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	version := strings.TrimSpace(payload.Version)
	if version == "" {
		return "", fmt.Errorf("updater response missing version")
	}
	return version, nil
}

func (u *AntigravityUA) loadDiskCache() (string, time.Time, bool) {
	if u.cachePath == "" {
		return "", time.Time{}, false
	}
	data, err := os.ReadFile(u.cachePath)
	if err != nil {
		return "", time.Time{}, false
	}
	var cache uaVersionCache
	if err := json.Unmarshal(data, &cache); err != nil || cache.Version == "" {
		return "", time.Time{}, false
	}
	return cache.Version, time.UnixMilli(cache.FetchedAt), true
}

func (u *AntigravityUA) saveDiskCache(version string) {
	if u.cachePath == "" {
		return
	}
	data, err := json.Marshal(uaVersionCache{Version: version, FetchedAt: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(u.cachePath), 0o700); err != nil {
		return
	}
	_ = os.WriteFile(u.cachePath, data, 0o600)
}
