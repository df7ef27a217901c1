// Package config loads the worker's process configuration: an optional
// YAML file plus environment variable overrides. Env wins over file,
// file wins over defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Autonomy AutonomyConfig `yaml:"autonomy"`
	Worker   WorkerConfig   `yaml:"worker"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Cache    CacheConfig    `yaml:"cache"`
	Engine   EngineConfig   `yaml:"engine"`
	Store    StoreConfig    `yaml:"store"`
	Lease    LeaseConfig    `yaml:"lease"`
	Bus      BusConfig      `yaml:"bus"`
}

// AutonomyConfig holds the global kill switches.
type AutonomyConfig struct {
	Enabled           bool `yaml:"enabled"`             // CARE_AUTONOMY_ENABLED
	ShadowMode        bool `yaml:"shadow_mode"`         // CARE_SHADOW_MODE
	StateWriteEnabled bool `yaml:"state_write_enabled"` // CARE_STATE_WRITE_ENABLED
	TriggersEnabled   bool `yaml:"triggers_enabled"`    // CARE_WORKFLOW_TRIGGERS_ENABLED
}

type WorkerConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	PoolSize            int `yaml:"pool_size"`
	BatchSize           int `yaml:"batch_size"` // CARE_WEBHOOK_BATCH_SIZE
	ScanDeadlineSeconds int `yaml:"scan_deadline_seconds"`
}

type WebhookConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"` // CARE_WEBHOOK_MAX_CONCURRENCY
	TimeoutMs      int    `yaml:"timeout_ms"`      // CARE_WEBHOOK_TIMEOUT_MS
	MaxRetries     int    `yaml:"max_retries"`     // CARE_WEBHOOK_MAX_RETRIES
	BaseURL        string `yaml:"base_url"`        // CARE_WORKFLOW_BASE_URL
}

type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxSize    int `yaml:"max_size"` // CARE_CONFIG_CACHE_MAX_SIZE
}

type EngineConfig struct {
	LeadStagnantDays int `yaml:"lead_stagnant_days"` // CARE_LEAD_STAGNANT_DAYS
	DealDecayDays    int `yaml:"deal_decay_days"`    // CARE_DEAL_DECAY_DAYS
}

type StoreConfig struct {
	SupabaseURL string `yaml:"supabase_url"` // SUPABASE_URL
	ServiceKey  string `yaml:"service_key"`  // SUPABASE_SERVICE_KEY
	PostgresDSN string `yaml:"postgres_dsn"` // CARE_POSTGRES_DSN (lease backend)
}

type LeaseConfig struct {
	Backend    string `yaml:"backend"`     // postgres | redis | memory
	RedisAddr  string `yaml:"redis_addr"`  // CARE_REDIS_ADDR
	TTLSeconds int    `yaml:"ttl_seconds"` // redis lease expiry
}

type BusConfig struct {
	Backend       string `yaml:"backend"`        // memory | pubsub
	PubSubProject string `yaml:"pubsub_project"` // CARE_PUBSUB_PROJECT
	PubSubTopic   string `yaml:"pubsub_topic"`   // CARE_PUBSUB_TOPIC
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Autonomy: AutonomyConfig{
			Enabled:           false,
			StateWriteEnabled: true,
			TriggersEnabled:   true,
		},
		Worker: WorkerConfig{
			IntervalSeconds:     60,
			PoolSize:            4,
			BatchSize:           50,
			ScanDeadlineSeconds: 30,
		},
		Webhook: WebhookConfig{
			MaxConcurrency: 5,
			TimeoutMs:      3000,
			MaxRetries:     2,
		},
		Cache: CacheConfig{
			TTLSeconds: 60,
			MaxSize:    500,
		},
		Engine: EngineConfig{
			LeadStagnantDays: 14,
			DealDecayDays:    30,
		},
		Lease: LeaseConfig{
			Backend:    "memory",
			TTLSeconds: 120,
		},
		Bus: BusConfig{
			Backend: "memory",
		},
	}
}

// Load reads an optional YAML file over the defaults, then applies env
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envBool(&c.Autonomy.Enabled, "CARE_AUTONOMY_ENABLED")
	envBool(&c.Autonomy.ShadowMode, "CARE_SHADOW_MODE")
	envBool(&c.Autonomy.StateWriteEnabled, "CARE_STATE_WRITE_ENABLED")
	envBool(&c.Autonomy.TriggersEnabled, "CARE_WORKFLOW_TRIGGERS_ENABLED")

	envInt(&c.Worker.IntervalSeconds, "CARE_SCAN_INTERVAL_SECONDS")
	envInt(&c.Worker.PoolSize, "CARE_WORKER_POOL_SIZE")
	envInt(&c.Worker.BatchSize, "CARE_WEBHOOK_BATCH_SIZE")
	envInt(&c.Worker.ScanDeadlineSeconds, "CARE_SCAN_DEADLINE_SECONDS")

	envInt(&c.Webhook.MaxConcurrency, "CARE_WEBHOOK_MAX_CONCURRENCY")
	envInt(&c.Webhook.TimeoutMs, "CARE_WEBHOOK_TIMEOUT_MS")
	envInt(&c.Webhook.MaxRetries, "CARE_WEBHOOK_MAX_RETRIES")
	envString(&c.Webhook.BaseURL, "CARE_WORKFLOW_BASE_URL")

	envInt(&c.Cache.TTLSeconds, "CARE_CONFIG_CACHE_TTL_SECONDS")
	envInt(&c.Cache.MaxSize, "CARE_CONFIG_CACHE_MAX_SIZE")

	envInt(&c.Engine.LeadStagnantDays, "CARE_LEAD_STAGNANT_DAYS")
	envInt(&c.Engine.DealDecayDays, "CARE_DEAL_DECAY_DAYS")

	envString(&c.Store.SupabaseURL, "SUPABASE_URL")
	envString(&c.Store.ServiceKey, "SUPABASE_SERVICE_KEY")
	envString(&c.Store.PostgresDSN, "CARE_POSTGRES_DSN")

	envString(&c.Lease.Backend, "CARE_LEASE_BACKEND")
	envString(&c.Lease.RedisAddr, "CARE_REDIS_ADDR")
	envInt(&c.Lease.TTLSeconds, "CARE_LEASE_TTL_SECONDS")

	envString(&c.Bus.Backend, "CARE_BUS_BACKEND")
	envString(&c.Bus.PubSubProject, "CARE_PUBSUB_PROJECT")
	envString(&c.Bus.PubSubTopic, "CARE_PUBSUB_TOPIC")
}

// ScanInterval returns the worker tick as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

// ScanDeadline returns the per-tenant soft deadline as a duration.
func (c *Config) ScanDeadline() time.Duration {
	return time.Duration(c.Worker.ScanDeadlineSeconds) * time.Second
}

// CacheTTL returns the tenant config cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// LeaseTTL returns the redis lease expiry as a duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

func envBool(dst *bool, key string) {
	if raw := os.Getenv(key); raw != "" {
		*dst = raw == "true" || raw == "1"
	}
}

func envInt(dst *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envString(dst *string, key string) {
	if raw := os.Getenv(key); raw != "" {
		*dst = raw
	}
}
