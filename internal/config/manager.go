package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds the static per-tenant override file. Operational
// per-tenant settings live in the database cache; this file exists for
// settings that must hold before the store is reachable.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective config for a tenant by merging file
// overrides on top of the global config.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads the global config plus an optional tenants file.
func NewManager(globalPath, tenantsPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: global, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  global,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for a tenant. Zero-valued override
// fields fall through to the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.tenantConfigs[tenantID]; ok {
		if override.Worker.BatchSize != 0 {
			effective.Worker.BatchSize = override.Worker.BatchSize
		}
		if override.Worker.ScanDeadlineSeconds != 0 {
			effective.Worker.ScanDeadlineSeconds = override.Worker.ScanDeadlineSeconds
		}
		if override.Webhook.TimeoutMs != 0 {
			effective.Webhook.TimeoutMs = override.Webhook.TimeoutMs
		}
		if override.Webhook.MaxRetries != 0 {
			effective.Webhook.MaxRetries = override.Webhook.MaxRetries
		}
		if override.Webhook.BaseURL != "" {
			effective.Webhook.BaseURL = override.Webhook.BaseURL
		}
		if override.Engine.LeadStagnantDays != 0 {
			effective.Engine.LeadStagnantDays = override.Engine.LeadStagnantDays
		}
		if override.Engine.DealDecayDays != 0 {
			effective.Engine.DealDecayDays = override.Engine.DealDecayDays
		}
	}

	return &effective
}
