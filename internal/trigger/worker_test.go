package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aisha/backend/internal/care"
	"github.com/aisha/backend/internal/circuitbreaker"
	"github.com/aisha/backend/internal/store"
	"github.com/aisha/backend/internal/suggest"
	"github.com/aisha/backend/internal/tenantcfg"
	"github.com/aisha/backend/internal/webhook"
)

const (
	testTenant = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	leadID     = "11111111-1111-1111-1111-111111111111"
	oppID      = "22222222-2222-2222-2222-222222222222"
)

type fakeTriggerStore struct {
	tenants    []string
	tenantsErr error
	candidates map[care.TriggerType][]store.TriggerCandidate
	scanErr    map[care.TriggerType]error
	states     map[string]*care.CareStateRecord
}

func (f *fakeTriggerStore) ListActiveTenants(ctx context.Context) ([]string, error) {
	return f.tenants, f.tenantsErr
}

func (f *fakeTriggerStore) ScanTriggerCandidates(ctx context.Context, tenantID string, trigger care.TriggerType) ([]store.TriggerCandidate, error) {
	if err := f.scanErr[trigger]; err != nil {
		return nil, err
	}
	return f.candidates[trigger], nil
}

func (f *fakeTriggerStore) GetCareState(ctx context.Context, ref care.EntityRef) (*care.CareStateRecord, error) {
	return f.states[ref.Key()], nil
}

type fakeStateStore struct {
	upserts []care.CareStatePatch
	events  []*care.CareHistoryEvent
}

func (f *fakeStateStore) UpsertCareState(ctx context.Context, ref care.EntityRef, patch care.CareStatePatch) (*care.CareStateRecord, error) {
	f.upserts = append(f.upserts, patch)
	return &care.CareStateRecord{TenantID: ref.TenantID, EntityType: ref.EntityType, EntityID: ref.EntityID, CareState: patch.CareState}, nil
}

func (f *fakeStateStore) AppendCareHistory(ctx context.Context, event *care.CareHistoryEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeGate struct {
	forwarded []suggest.TriggerData
}

func (f *fakeGate) CreateSuggestionIfNew(ctx context.Context, tenantID string, td suggest.TriggerData) string {
	f.forwarded = append(f.forwarded, td)
	return "sugg"
}

type fakeNotifier struct {
	requests []webhook.BatchRequest
}

func (f *fakeNotifier) TriggerCareWorkflowBatch(ctx context.Context, req webhook.BatchRequest) webhook.BatchResult {
	f.requests = append(f.requests, req)
	return webhook.BatchResult{Sent: len(req.Payloads)}
}

type staticLoader struct {
	cfg *tenantcfg.TenantCareConfig
}

func (s *staticLoader) LoadCareConfig(ctx context.Context, tenantID string) (*tenantcfg.TenantCareConfig, error) {
	return s.cfg, nil
}

func newTestWorker(st *fakeTriggerStore, states *fakeStateStore, gate *fakeGate, notifier *fakeNotifier, cfg *tenantcfg.TenantCareConfig) *Worker {
	var cache *tenantcfg.Cache
	if cfg != nil {
		cache = tenantcfg.NewCache(&staticLoader{cfg: cfg}, time.Minute, 10, nil)
	}
	engine := care.NewEngine(care.EngineConfig{StateWriteEnabled: true}, nil)
	return NewWorker(Config{BatchSize: 50, TriggersEnabled: true}, st, states, cache, gate, engine, NewMemoryLeaseManager(), notifier)
}

func TestResolveTiesPrefersHigherPriority(t *testing.T) {
	matched := []suggest.TriggerData{
		{TriggerID: care.TriggerContactInactive, RecordType: care.EntityContact, RecordID: leadID, Priority: care.PriorityLow},
		{TriggerID: care.TriggerAccountRisk, RecordType: care.EntityContact, RecordID: leadID, Priority: care.PriorityCritical},
	}
	out := resolveTies(matched, 50)
	require.Len(t, out, 1)
	assert.Equal(t, care.TriggerAccountRisk, out[0].TriggerID)
}

func TestResolveTiesAlphabeticalOnEqualPriority(t *testing.T) {
	matched := []suggest.TriggerData{
		{TriggerID: care.TriggerOpportunityHot, RecordType: care.EntityOpportunity, RecordID: oppID, Priority: care.PriorityHigh},
		{TriggerID: care.TriggerDealDecay, RecordType: care.EntityOpportunity, RecordID: oppID, Priority: care.PriorityHigh},
	}
	out := resolveTies(matched, 50)
	require.Len(t, out, 1)
	assert.Equal(t, care.TriggerDealDecay, out[0].TriggerID, "deal_decay sorts before opportunity_hot")
}

func TestResolveTiesOrdersAndCaps(t *testing.T) {
	matched := []suggest.TriggerData{
		{TriggerID: care.TriggerLeadStagnant, RecordType: care.EntityLead, RecordID: "r1", Priority: care.PriorityNormal},
		{TriggerID: care.TriggerAccountRisk, RecordType: care.EntityAccount, RecordID: "r2", Priority: care.PriorityCritical},
		{TriggerID: care.TriggerDealDecay, RecordType: care.EntityOpportunity, RecordID: "r3", Priority: care.PriorityHigh},
	}
	out := resolveTies(matched, 2)
	require.Len(t, out, 2)
	assert.Equal(t, care.TriggerAccountRisk, out[0].TriggerID)
	assert.Equal(t, care.TriggerDealDecay, out[1].TriggerID)
}

func TestScanTenantForwardsToGate(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead, Context: map[string]interface{}{"days_stagnant": 9}},
			},
		},
	}
	gate := &fakeGate{}
	w := newTestWorker(st, &fakeStateStore{}, gate, nil, nil)

	w.scanTenant(context.Background(), testTenant)

	require.Len(t, gate.forwarded, 1)
	td := gate.forwarded[0]
	assert.Equal(t, care.TriggerLeadStagnant, td.TriggerID)
	assert.Equal(t, care.EntityLead, td.RecordType)
	assert.Equal(t, care.PriorityNormal, td.Priority)
}

func TestScanTenantOneBandErrorDoesNotAbortCycle(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead},
			},
		},
		scanErr: map[care.TriggerType]error{
			care.TriggerAccountRisk: errors.New("relation missing"),
		},
	}
	gate := &fakeGate{}
	w := newTestWorker(st, &fakeStateStore{}, gate, nil, nil)

	w.scanTenant(context.Background(), testTenant)
	assert.Len(t, gate.forwarded, 1)
}

func TestScanTenantSkipsWhenLeaseHeld(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {{RecordID: leadID, RecordType: care.EntityLead}},
		},
	}
	gate := &fakeGate{}
	w := newTestWorker(st, &fakeStateStore{}, gate, nil, nil)

	held, err := w.leases.Acquire(context.Background(), testTenant)
	require.NoError(t, err)
	require.True(t, held)

	w.scanTenant(context.Background(), testTenant)
	assert.Empty(t, gate.forwarded, "held lease skips the scan")
}

func TestSignalAdapterAppliesTransition(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead, Context: map[string]interface{}{"days_stagnant": float64(20)}},
			},
		},
		states: map[string]*care.CareStateRecord{
			testTenant + ":lead:" + leadID: {
				TenantID: testTenant, EntityType: care.EntityLead, EntityID: leadID,
				CareState: care.StateEngaged,
			},
		},
	}
	states := &fakeStateStore{}
	w := newTestWorker(st, states, &fakeGate{}, nil, nil)

	w.scanTenant(context.Background(), testTenant)

	require.Len(t, states.upserts, 1)
	assert.Equal(t, care.StateAtRisk, states.upserts[0].CareState)
	require.Len(t, states.events, 1)
	assert.NotEmpty(t, states.events[0].Reason)
}

func TestWorkflowNotifiedOnTransitions(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead, Context: map[string]interface{}{"days_stagnant": 20}},
			},
		},
	}
	notifier := &fakeNotifier{}
	cfg := &tenantcfg.TenantCareConfig{
		TenantID:   testTenant,
		WebhookURL: "https://hooks.example.com/care",
		IsEnabled:  true,
	}
	w := newTestWorker(st, &fakeStateStore{}, &fakeGate{}, notifier, cfg)

	w.scanTenant(context.Background(), testTenant)

	require.Len(t, notifier.requests, 1)
	req := notifier.requests[0]
	assert.Equal(t, "https://hooks.example.com/care", req.URL)
	require.Len(t, req.Payloads, 1)
	assert.Equal(t, webhook.EventStateTransition, req.Payloads[0].Type)
}

func TestShadowModeSuppressesSuggestionsAndWebhooks(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead, Context: map[string]interface{}{"days_stagnant": 20}},
			},
		},
	}
	states := &fakeStateStore{}
	gate := &fakeGate{}
	notifier := &fakeNotifier{}
	tc := &tenantcfg.TenantCareConfig{
		TenantID:   testTenant,
		WebhookURL: "https://hooks.example.com/care",
		IsEnabled:  true,
	}
	cache := tenantcfg.NewCache(&staticLoader{cfg: tc}, time.Minute, 10, nil)
	engine := care.NewEngine(care.EngineConfig{StateWriteEnabled: true, ShadowMode: true}, nil)
	w := NewWorker(Config{BatchSize: 50, TriggersEnabled: true, ShadowMode: true},
		st, states, cache, gate, engine, NewMemoryLeaseManager(), notifier)

	w.scanTenant(context.Background(), testTenant)

	assert.Empty(t, states.upserts, "shadow mode must not write state")
	assert.Empty(t, gate.forwarded, "shadow mode must not reach the suggestion gate")
	assert.Empty(t, notifier.requests, "shadow mode must not fire workflow webhooks")
}

func TestWorkflowNotSentWhenTriggersDisabled(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead, Context: map[string]interface{}{"days_stagnant": 20}},
			},
		},
	}
	notifier := &fakeNotifier{}
	tc := &tenantcfg.TenantCareConfig{
		TenantID:   testTenant,
		WebhookURL: "https://hooks.example.com/care",
		IsEnabled:  true,
	}
	cache := tenantcfg.NewCache(&staticLoader{cfg: tc}, time.Minute, 10, nil)
	engine := care.NewEngine(care.EngineConfig{StateWriteEnabled: true}, nil)
	w := NewWorker(Config{BatchSize: 50, TriggersEnabled: false},
		st, &fakeStateStore{}, cache, &fakeGate{}, engine, NewMemoryLeaseManager(), notifier)

	w.scanTenant(context.Background(), testTenant)
	assert.Empty(t, notifier.requests, "global switch off blocks delivery to enabled tenants")
}

func TestStoreBreakerOpenAbortsCycle(t *testing.T) {
	// account_risk scans first and fails, tripping the breaker; the
	// lead_stagnant band would match but must never be queried.
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {{RecordID: leadID, RecordType: care.EntityLead}},
		},
		scanErr: map[care.TriggerType]error{
			care.TriggerAccountRisk: errors.New("store unavailable"),
		},
	}
	gate := &fakeGate{}
	engine := care.NewEngine(care.EngineConfig{StateWriteEnabled: true}, nil)
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "store-test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	w := NewWorker(Config{BatchSize: 50, StoreBreaker: breaker},
		st, &fakeStateStore{}, nil, gate, engine, NewMemoryLeaseManager(), nil)

	w.scanTenant(context.Background(), testTenant)
	assert.Empty(t, gate.forwarded, "open circuit aborts the remaining bands")
}

func TestWorkflowNotSentWhenTenantDisabled(t *testing.T) {
	st := &fakeTriggerStore{
		candidates: map[care.TriggerType][]store.TriggerCandidate{
			care.TriggerLeadStagnant: {
				{RecordID: leadID, RecordType: care.EntityLead, Context: map[string]interface{}{"days_stagnant": 20}},
			},
		},
	}
	notifier := &fakeNotifier{}
	cfg := &tenantcfg.TenantCareConfig{TenantID: testTenant, WebhookURL: "https://x", IsEnabled: false}
	w := newTestWorker(st, &fakeStateStore{}, &fakeGate{}, notifier, cfg)

	w.scanTenant(context.Background(), testTenant)
	assert.Empty(t, notifier.requests)
}

func TestStartStopLifecycle(t *testing.T) {
	st := &fakeTriggerStore{tenants: []string{testTenant}}
	w := newTestWorker(st, &fakeStateStore{}, &fakeGate{}, nil, nil)
	w.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}

func TestMemoryLeaseManager(t *testing.T) {
	m := NewMemoryLeaseManager()
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, "t1"))
	ok, _ = m.Acquire(ctx, "t1")
	assert.True(t, ok)
}
