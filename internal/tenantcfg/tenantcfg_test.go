package tenantcfg

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	configs map[string]*TenantCareConfig
	err     error
	calls   int
}

func (f *fakeLoader) LoadCareConfig(_ context.Context, tenantID string) (*TenantCareConfig, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.configs[tenantID], nil
}

func TestCacheHitAvoidsLoader(t *testing.T) {
	loader := &fakeLoader{configs: map[string]*TenantCareConfig{
		"t1": {TenantID: "t1", IsEnabled: true, WebhookURL: "https://hooks.example/t1"},
	}}
	c := NewCache(loader, time.Minute, 10, nil)

	first := c.Get(context.Background(), "t1")
	second := c.Get(context.Background(), "t1")

	assert.Equal(t, 1, loader.calls)
	assert.Same(t, first, second)
	assert.Equal(t, SourceDatabase, first.Source)
}

func TestCacheTTLExpiryReloads(t *testing.T) {
	loader := &fakeLoader{configs: map[string]*TenantCareConfig{"t1": {TenantID: "t1"}}}
	c := NewCache(loader, time.Minute, 10, nil)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Get(context.Background(), "t1")

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Get(context.Background(), "t1")

	assert.Equal(t, 2, loader.calls)
}

func TestCacheFallsBackToEnvironment(t *testing.T) {
	loader := &fakeLoader{err: errors.New("store down")}
	c := NewCache(loader, time.Minute, 10, nil)
	c.fallback = func(tenantID string) *TenantCareConfig {
		return &TenantCareConfig{TenantID: tenantID, Source: SourceEnvironment}
	}

	cfg := c.Get(context.Background(), "t1")
	require.NotNil(t, cfg)
	assert.Equal(t, SourceEnvironment, cfg.Source)

	// The fallback is cached too.
	c.Get(context.Background(), "t1")
	assert.Equal(t, 1, loader.calls)
}

func TestCacheMissingRowUsesFallback(t *testing.T) {
	loader := &fakeLoader{configs: map[string]*TenantCareConfig{}}
	c := NewCache(loader, time.Minute, 10, nil)
	c.fallback = func(tenantID string) *TenantCareConfig {
		return &TenantCareConfig{TenantID: tenantID, Source: SourceEnvironment}
	}

	cfg := c.Get(context.Background(), "missing")
	assert.Equal(t, SourceEnvironment, cfg.Source)
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	loader := &fakeLoader{configs: map[string]*TenantCareConfig{}}
	c := NewCache(loader, time.Minute, 3, nil)
	c.fallback = func(tenantID string) *TenantCareConfig {
		return &TenantCareConfig{TenantID: tenantID}
	}

	for i := 0; i < 4; i++ {
		c.Get(context.Background(), fmt.Sprintf("t%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// t0 was evicted, so fetching it loads again.
	callsBefore := loader.calls
	c.Get(context.Background(), "t0")
	assert.Equal(t, callsBefore+1, loader.calls)
}

func TestCacheReinsertMovesToNewest(t *testing.T) {
	loader := &fakeLoader{configs: map[string]*TenantCareConfig{}}
	c := NewCache(loader, time.Minute, 3, nil)
	c.fallback = func(tenantID string) *TenantCareConfig {
		return &TenantCareConfig{TenantID: tenantID}
	}

	c.Get(context.Background(), "a")
	c.Get(context.Background(), "b")
	c.Get(context.Background(), "c")

	// Refresh "a" so it becomes newest, then overflow.
	c.Invalidate("a")
	c.Get(context.Background(), "a")
	c.Get(context.Background(), "d")

	// "b" (now oldest) was evicted; "a" survives.
	calls := loader.calls
	c.Get(context.Background(), "a")
	assert.Equal(t, calls, loader.calls, "a should still be cached")
	c.Get(context.Background(), "b")
	assert.Equal(t, calls+1, loader.calls, "b should have been evicted")
}

func TestInvalidateAndClear(t *testing.T) {
	loader := &fakeLoader{configs: map[string]*TenantCareConfig{"t1": {TenantID: "t1"}}}
	c := NewCache(loader, time.Minute, 10, nil)

	c.Get(context.Background(), "t1")
	c.Invalidate("t1")
	c.Get(context.Background(), "t1")
	assert.Equal(t, 2, loader.calls)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestEffectiveWebhookURL(t *testing.T) {
	cfg := &TenantCareConfig{WebhookURL: "https://hooks.example/direct"}
	assert.Equal(t, "https://hooks.example/direct", cfg.EffectiveWebhookURL("https://base.example/"))

	cfg = &TenantCareConfig{WorkflowID: "wf-42"}
	assert.Equal(t, "https://base.example/wf-42", cfg.EffectiveWebhookURL("https://base.example/"))

	cfg = &TenantCareConfig{}
	assert.Equal(t, "", cfg.EffectiveWebhookURL("https://base.example"))
}

func TestEnabledRequiresFlagAndURL(t *testing.T) {
	cfg := &TenantCareConfig{IsEnabled: true}
	assert.False(t, cfg.Enabled(""))

	cfg.WorkflowID = "wf-1"
	assert.True(t, cfg.Enabled("https://base.example"))

	cfg.IsEnabled = false
	assert.False(t, cfg.Enabled("https://base.example"))
}
