// Package trigger implements the periodic tenant scanner. Each cycle it
// walks the active tenants, matches records against the trigger bands,
// forwards the winners to the suggestion gate, and opportunistically feeds
// derived signals through the state engine.
package trigger

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aisha/backend/internal/care"
	"github.com/aisha/backend/internal/circuitbreaker"
	"github.com/aisha/backend/internal/metrics"
	"github.com/aisha/backend/internal/store"
	"github.com/aisha/backend/internal/suggest"
	"github.com/aisha/backend/internal/tenantcfg"
	"github.com/aisha/backend/internal/webhook"
)

// scanOrder fixes the trigger evaluation sequence within a cycle.
var scanOrder = []care.TriggerType{
	care.TriggerAccountRisk,
	care.TriggerDealRegression,
	care.TriggerOpportunityHot,
	care.TriggerDealDecay,
	care.TriggerActivityOverdue,
	care.TriggerLeadStagnant,
	care.TriggerFollowupNeeded,
	care.TriggerContactInactive,
}

// triggerPriority assigns each trigger its canonical priority, used for
// cross-trigger tie-breaks on the same record.
var triggerPriority = map[care.TriggerType]care.Priority{
	care.TriggerAccountRisk:     care.PriorityCritical,
	care.TriggerDealRegression:  care.PriorityHigh,
	care.TriggerOpportunityHot:  care.PriorityHigh,
	care.TriggerDealDecay:       care.PriorityHigh,
	care.TriggerActivityOverdue: care.PriorityNormal,
	care.TriggerLeadStagnant:    care.PriorityNormal,
	care.TriggerFollowupNeeded:  care.PriorityNormal,
	care.TriggerContactInactive: care.PriorityLow,
}

// Store is the slice of the persistence layer the worker reads.
type Store interface {
	ListActiveTenants(ctx context.Context) ([]string, error)
	ScanTriggerCandidates(ctx context.Context, tenantID string, trigger care.TriggerType) ([]store.TriggerCandidate, error)
	GetCareState(ctx context.Context, ref care.EntityRef) (*care.CareStateRecord, error)
}

// Gate is the suggestion gate surface the worker forwards triggers to.
type Gate interface {
	CreateSuggestionIfNew(ctx context.Context, tenantID string, td suggest.TriggerData) string
}

// WorkflowNotifier delivers state-transition events to a tenant's workflow
// endpoint. The webhook client satisfies it.
type WorkflowNotifier interface {
	TriggerCareWorkflowBatch(ctx context.Context, req webhook.BatchRequest) webhook.BatchResult
}

// Config tunes the worker loop.
type Config struct {
	Interval       time.Duration // tick period, default 60s
	PoolSize       int           // concurrent tenant scans, default 4
	BatchSize      int           // max triggers forwarded per tenant per cycle, default 50
	ScanDeadline   time.Duration // soft per-tenant deadline, default 30s
	WebhookBaseURL string        // workflow base URL for tenants without an explicit webhook URL

	// ShadowMode makes every cycle log-only: matched triggers are logged
	// instead of forwarded to the gate, and no webhooks fire.
	ShadowMode bool

	// TriggersEnabled is the process-wide workflow delivery switch. When
	// false, no tenant receives webhooks regardless of its own config.
	TriggersEnabled bool

	// StoreBreaker, when set, guards the trigger-band scans. An open
	// circuit aborts the rest of the tenant's cycle instead of hammering
	// a failing store once per band.
	StoreBreaker *circuitbreaker.CircuitBreaker
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = webhook.DefaultBatchSize
	}
	if c.ScanDeadline <= 0 {
		c.ScanDeadline = 30 * time.Second
	}
}

// Worker drives the scan loop.
type Worker struct {
	cfg    Config
	store  Store
	states care.StateStore
	cache  *tenantcfg.Cache
	gate   Gate
	engine *care.Engine
	leases LeaseManager
	client WorkflowNotifier
	logger *log.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewWorker wires the scanner. leases may be nil, in which case an
// in-memory lease manager is used.
func NewWorker(cfg Config, st Store, states care.StateStore, cache *tenantcfg.Cache, gate Gate, engine *care.Engine, leases LeaseManager, client WorkflowNotifier) *Worker {
	cfg.applyDefaults()
	if leases == nil {
		leases = NewMemoryLeaseManager()
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		states:   states,
		cache:    cache,
		gate:     gate,
		engine:   engine,
		leases:   leases,
		client:   client,
		logger:   log.New(log.Writer(), "[CARE-WORKER] ", log.LstdFlags),
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the supervisor and the scan pool. Non-blocking.
func (w *Worker) Start(ctx context.Context) {
	tasks := make(chan string)

	for i := 0; i < w.cfg.PoolSize; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for tenantID := range tasks {
				w.scanTenant(ctx, tenantID)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(tasks)

		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		// First cycle immediately; subsequent cycles on the ticker.
		w.dispatchCycle(ctx, tasks)
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.dispatchCycle(ctx, tasks)
			}
		}
	}()
}

// Stop halts the supervisor and waits for in-flight scans to finish.
func (w *Worker) Stop() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) dispatchCycle(ctx context.Context, tasks chan<- string) {
	tenants, err := w.store.ListActiveTenants(ctx)
	if err != nil {
		w.logger.Printf("list active tenants: %v", err)
		return
	}
	for _, tenantID := range tenants {
		if !w.markInFlight(tenantID) {
			continue
		}
		select {
		case tasks <- tenantID:
		case <-w.stopCh:
			w.clearInFlight(tenantID)
			return
		case <-ctx.Done():
			w.clearInFlight(tenantID)
			return
		}
	}
}

func (w *Worker) markInFlight(tenantID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[tenantID] {
		return false
	}
	w.inFlight[tenantID] = true
	return true
}

func (w *Worker) clearInFlight(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, tenantID)
}

// scanTenant runs one full cycle for one tenant under its lease.
func (w *Worker) scanTenant(ctx context.Context, tenantID string) {
	defer w.clearInFlight(tenantID)

	acquired, err := w.leases.Acquire(ctx, tenantID)
	if err != nil {
		w.logger.Printf("tenant %s: lease acquire: %v", tenantID, err)
		metrics.ScanCycles.WithLabelValues("error").Inc()
		return
	}
	if !acquired {
		metrics.ScanCycles.WithLabelValues("lease_held").Inc()
		return
	}
	defer func() {
		if err := w.leases.Release(context.Background(), tenantID); err != nil {
			w.logger.Printf("tenant %s: lease release: %v", tenantID, err)
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, w.cfg.ScanDeadline)
	defer cancel()

	matched, err := w.collectCandidates(scanCtx, tenantID)
	if err != nil {
		w.logger.Printf("tenant %s: scan: %v", tenantID, err)
		metrics.ScanCycles.WithLabelValues("error").Inc()
		return
	}

	forwarded := resolveTies(matched, w.cfg.BatchSize)

	var transitions []*webhook.Event
	for _, td := range forwarded {
		metrics.TriggersMatched.WithLabelValues(string(td.TriggerID)).Inc()
		if w.cfg.ShadowMode {
			w.logger.Printf("shadow: tenant %s: %s matched %s %s, suggestion suppressed",
				tenantID, td.TriggerID, td.RecordType, td.RecordID)
		} else {
			w.gate.CreateSuggestionIfNew(scanCtx, tenantID, td)
		}
		if ev := w.applySignals(scanCtx, tenantID, td); ev != nil {
			transitions = append(transitions, ev)
		}
	}

	w.notifyWorkflow(ctx, tenantID, transitions)

	if scanCtx.Err() != nil {
		metrics.ScanCycles.WithLabelValues("deadline").Inc()
		return
	}
	metrics.ScanCycles.WithLabelValues("completed").Inc()
}

// collectCandidates queries every trigger band. A per-record error skips
// that record only; a tripped store breaker aborts the remaining bands.
func (w *Worker) collectCandidates(ctx context.Context, tenantID string) ([]suggest.TriggerData, error) {
	var matched []suggest.TriggerData
	for _, triggerType := range scanOrder {
		if ctx.Err() != nil {
			return matched, ctx.Err()
		}
		candidates, err := w.scanBand(ctx, tenantID, triggerType)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
				return matched, err
			}
			// One failing band does not abort the cycle.
			w.logger.Printf("tenant %s: scan %s: %v", tenantID, triggerType, err)
			continue
		}
		for _, c := range candidates {
			recordType, err := care.ParseEntityType(string(c.RecordType))
			if err != nil {
				w.logger.Printf("tenant %s: %s: skipping record %s: %v",
					tenantID, triggerType, c.RecordID, err)
				continue
			}
			matched = append(matched, suggest.TriggerData{
				TriggerID:  triggerType,
				RecordType: recordType,
				RecordID:   c.RecordID,
				Context:    c.Context,
				Priority:   triggerPriority[triggerType],
			})
		}
	}
	return matched, nil
}

// scanBand runs one trigger-band query, through the store breaker when one
// is configured.
func (w *Worker) scanBand(ctx context.Context, tenantID string, triggerType care.TriggerType) ([]store.TriggerCandidate, error) {
	if w.cfg.StoreBreaker == nil {
		return w.store.ScanTriggerCandidates(ctx, tenantID, triggerType)
	}
	result, err := w.cfg.StoreBreaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return w.store.ScanTriggerCandidates(ctx, tenantID, triggerType)
	})
	if err != nil {
		return nil, err
	}
	return result.([]store.TriggerCandidate), nil
}

// resolveTies keeps one trigger per record (highest priority, then
// earliest trigger name), orders the result the same way, and caps it.
func resolveTies(matched []suggest.TriggerData, batchSize int) []suggest.TriggerData {
	best := make(map[string]suggest.TriggerData)
	for _, td := range matched {
		key := string(td.RecordType) + ":" + td.RecordID
		current, ok := best[key]
		if !ok || beats(td, current) {
			best[key] = td
		}
	}

	out := make([]suggest.TriggerData, 0, len(best))
	for _, td := range best {
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		if out[i].TriggerID != out[j].TriggerID {
			return out[i].TriggerID < out[j].TriggerID
		}
		return out[i].RecordID < out[j].RecordID
	})

	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out
}

func beats(a, b suggest.TriggerData) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.TriggerID < b.TriggerID
}

// applySignals derives CareSignals from the trigger context and runs them
// through the state engine. Returns a webhook event when a transition was
// applied. Errors are logged, never propagated; signal application is
// opportunistic.
func (w *Worker) applySignals(ctx context.Context, tenantID string, td suggest.TriggerData) *webhook.Event {
	signals, ok := signalsFromContext(td)
	if !ok {
		return nil
	}

	ref := care.EntityRef{TenantID: tenantID, EntityType: td.RecordType, EntityID: td.RecordID}
	if err := ref.Validate(); err != nil {
		w.logger.Printf("tenant %s: skipping signals for %s: %v", tenantID, td.RecordID, err)
		return nil
	}

	current := care.StateUnaware
	if record, err := w.store.GetCareState(ctx, ref); err != nil {
		w.logger.Printf("tenant %s: load state %s: %v", tenantID, ref.Key(), err)
		return nil
	} else if record != nil {
		current = record.CareState
	}

	proposal := w.engine.ProposeTransition(current, care.EnrichSignals(signals, w.now()))
	if proposal == nil {
		return nil
	}
	actor := care.Actor{Type: care.ActorSystem, ID: "care-worker"}
	applied, err := w.engine.ApplyTransition(ctx, ref, proposal, w.states, actor)
	if err != nil {
		w.logger.Printf("tenant %s: apply transition %s: %v", tenantID, ref.Key(), err)
		return nil
	}
	if !applied {
		// Shadow mode or disabled writes: the state never changed, so no
		// transition event goes out.
		return nil
	}

	return webhook.NewEvent(webhook.EventStateTransition, tenantID,
		webhook.Entity{Type: string(td.RecordType), ID: td.RecordID},
		map[string]interface{}{
			"from_state": string(proposal.From),
			"to_state":   string(proposal.To),
			"reason":     proposal.Reason,
			"trigger":    string(td.TriggerID),
		})
}

// signalsFromContext maps scanner context keys onto CareSignals. Returns
// false when the context carries nothing the engine can use.
func signalsFromContext(td suggest.TriggerData) (care.CareSignals, bool) {
	var signals care.CareSignals
	found := false
	for _, key := range []string{"days_stagnant", "days_inactive", "days_overdue"} {
		if days, ok := contextInt(td.Context, key); ok {
			signals.SilenceDays = &days
			found = true
			break
		}
	}
	if found {
		if signals.Meta == nil {
			signals.Meta = map[string]interface{}{}
		}
		signals.Meta["trigger"] = string(td.TriggerID)
	}
	return signals, found
}

func contextInt(ctx map[string]interface{}, key string) (int, bool) {
	v, ok := ctx[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// notifyWorkflow batch-delivers applied transitions to the tenant's
// workflow endpoint, when the global switch, the tenant's config, and
// shadow mode all allow it.
func (w *Worker) notifyWorkflow(ctx context.Context, tenantID string, events []*webhook.Event) {
	if len(events) == 0 || w.client == nil || w.cache == nil {
		return
	}
	if w.cfg.ShadowMode || !w.cfg.TriggersEnabled {
		return
	}
	cfg := w.cache.Get(ctx, tenantID)
	if cfg == nil || !cfg.Enabled(w.cfg.WebhookBaseURL) {
		return
	}
	result := w.client.TriggerCareWorkflowBatch(ctx, webhook.BatchRequest{
		URL:       cfg.EffectiveWebhookURL(w.cfg.WebhookBaseURL),
		Secret:    cfg.WebhookSecret,
		Payloads:  events,
		TimeoutMS: cfg.WebhookTimeoutMs,
		Retries:   cfg.WebhookMaxRetries,
		BatchSize: w.cfg.BatchSize,
	})
	if result.Failed > 0 || result.Skipped > 0 {
		w.logger.Printf("tenant %s: workflow notify: sent=%d skipped=%d failed=%d",
			tenantID, result.Sent, result.Skipped, result.Failed)
	}
}
