// Package tenantcfg holds the per-tenant CARE workflow configuration and a
// TTL + capacity-bounded cache in front of the store.
//
// Resolution order on a miss: database row, then environment-derived
// fallback. Either result is cached so a flapping database does not hammer
// the loader.
package tenantcfg

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConfigSource records where a resolved config came from.
type ConfigSource string

const (
	SourceDatabase    ConfigSource = "database"
	SourceEnvironment ConfigSource = "environment"
)

// TenantCareConfig is one tenant's workflow wiring. Fields map 1:1 to the
// tenant_care_config Supabase table columns.
type TenantCareConfig struct {
	TenantID          string       `json:"tenant_id"`
	WorkflowID        string       `json:"workflow_id,omitempty"`
	WebhookURL        string       `json:"webhook_url,omitempty"`
	WebhookSecret     string       `json:"webhook_secret,omitempty"`
	IsEnabled         bool         `json:"is_enabled"`
	StateWriteEnabled bool         `json:"state_write_enabled"`
	ShadowMode        bool         `json:"shadow_mode"`
	WebhookTimeoutMs  int          `json:"webhook_timeout_ms,omitempty"`
	WebhookMaxRetries int          `json:"webhook_max_retries,omitempty"`
	Source            ConfigSource `json:"-"`
}

// EffectiveWebhookURL returns the explicit webhook URL, or one composed
// from the workflow base URL and the workflow id.
func (c *TenantCareConfig) EffectiveWebhookURL(baseURL string) string {
	if c.WebhookURL != "" {
		return c.WebhookURL
	}
	if c.WorkflowID != "" && baseURL != "" {
		return strings.TrimRight(baseURL, "/") + "/" + c.WorkflowID
	}
	return ""
}

// Enabled reports whether the tenant can receive workflow webhooks: the
// flag must be set and a webhook URL must resolve.
func (c *TenantCareConfig) Enabled(baseURL string) bool {
	return c.IsEnabled && c.EffectiveWebhookURL(baseURL) != ""
}

// EnvFallback derives a config from process environment variables. Used
// when the store errors or carries no row for the tenant.
func EnvFallback(tenantID string) *TenantCareConfig {
	timeoutMs, _ := strconv.Atoi(os.Getenv("CARE_WEBHOOK_TIMEOUT_MS"))
	retries, _ := strconv.Atoi(os.Getenv("CARE_WEBHOOK_MAX_RETRIES"))
	return &TenantCareConfig{
		TenantID:          tenantID,
		WorkflowID:        os.Getenv("CARE_WORKFLOW_ID"),
		WebhookURL:        os.Getenv("CARE_WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("CARE_WEBHOOK_SECRET"),
		IsEnabled:         os.Getenv("CARE_WORKFLOW_TRIGGERS_ENABLED") == "true",
		StateWriteEnabled: os.Getenv("CARE_STATE_WRITE_ENABLED") == "true",
		ShadowMode:        os.Getenv("CARE_SHADOW_MODE") == "true",
		WebhookTimeoutMs:  timeoutMs,
		WebhookMaxRetries: retries,
		Source:            SourceEnvironment,
	}
}

// Loader is the slice of the store the cache needs. The Supabase client
// satisfies it; tests supply fakes.
type Loader interface {
	LoadCareConfig(ctx context.Context, tenantID string) (*TenantCareConfig, error)
}

const (
	DefaultTTL     = 60 * time.Second
	DefaultMaxSize = 500
)

type cacheEntry struct {
	cfg       *TenantCareConfig
	expiresAt time.Time
}

// Cache is a TTL + capacity-bounded map from tenant id to resolved config.
// Insertion order doubles as the LRU order: re-inserting a key moves it to
// newest, and overflow evicts the oldest entries.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	order    []string // insertion order, oldest first
	ttl      time.Duration
	maxSize  int
	loader   Loader
	fallback func(tenantID string) *TenantCareConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewCache builds a cache. Zero ttl/maxSize use the defaults; a nil
// fallback uses EnvFallback.
func NewCache(loader Loader, ttl time.Duration, maxSize int, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[string]*cacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		loader:   loader,
		fallback: EnvFallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the tenant's config, loading and caching on miss or expiry.
// It never returns nil: the environment fallback always resolves.
func (c *Cache) Get(ctx context.Context, tenantID string) *TenantCareConfig {
	c.mu.Lock()
	if e, ok := c.entries[tenantID]; ok && c.now().Before(e.expiresAt) {
		cfg := e.cfg
		c.mu.Unlock()
		return cfg
	}
	c.mu.Unlock()

	cfg := c.resolve(ctx, tenantID)

	c.mu.Lock()
	c.insertLocked(tenantID, cfg)
	c.mu.Unlock()
	return cfg
}

func (c *Cache) resolve(ctx context.Context, tenantID string) *TenantCareConfig {
	if c.loader != nil {
		cfg, err := c.loader.LoadCareConfig(ctx, tenantID)
		if err != nil {
			c.logger.Warn("tenant care config load failed, using environment fallback",
				"tenant_id", tenantID, "error", err)
		} else if cfg != nil {
			cfg.Source = SourceDatabase
			return cfg
		}
	}
	return c.fallback(tenantID)
}

// insertLocked inserts or refreshes a key, maintaining insertion-order LRU
// and evicting the oldest entries on overflow.
func (c *Cache) insertLocked(tenantID string, cfg *TenantCareConfig) {
	if _, exists := c.entries[tenantID]; exists {
		c.removeFromOrderLocked(tenantID)
	}
	c.entries[tenantID] = &cacheEntry{cfg: cfg, expiresAt: c.now().Add(c.ttl)}
	c.order = append(c.order, tenantID)

	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *Cache) removeFromOrderLocked(tenantID string) {
	for i, k := range c.order {
		if k == tenantID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Invalidate drops one tenant's cached config.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[tenantID]; ok {
		delete(c.entries, tenantID)
		c.removeFromOrderLocked(tenantID)
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
}

// Len reports the number of cached tenants.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
