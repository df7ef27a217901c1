// Package suggest implements the suggestion gate: the single entry point
// that turns a matched trigger into at most one pending suggestion. It is
// the swallow-all boundary of the pipeline; nothing propagates upward, and
// every invocation leaves exactly one audit record behind.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aisha/backend/internal/budget"
	"github.com/aisha/backend/internal/care"
	"github.com/aisha/backend/internal/llm"
	"github.com/aisha/backend/internal/metrics"
	"github.com/aisha/backend/internal/registry"
	"github.com/aisha/backend/internal/store"
)

// Outcome is the closed set of gate results, observable via audit meta.
type Outcome string

const (
	OutcomeSuggestionCreated   Outcome = "suggestion_created"
	OutcomeDuplicateSuppressed Outcome = "duplicate_suppressed"
	OutcomeGenerationFailed    Outcome = "generation_failed"
	OutcomeConstraintViolation Outcome = "constraint_violation"
	OutcomeError               Outcome = "error"
)

// EventSuggestionGenerated is the tenant webhook emitted on a successful
// insert.
const EventSuggestionGenerated = "ai.suggestion.generated"

// defaults applied when the model omits a field.
const (
	defaultConfidence = 0.75
	defaultCooldown   = 24 * time.Hour
)

// TriggerData is one matched trigger forwarded by the worker.
type TriggerData struct {
	TriggerID  care.TriggerType
	RecordType care.EntityType
	RecordID   string
	Context    map[string]interface{}
	Priority   care.Priority
}

// GateStore is the slice of the store the gate needs.
type GateStore interface {
	FindRecentSuggestion(ctx context.Context, tenantID string, triggerID care.TriggerType, recordType care.EntityType, recordID string, rejectedSince time.Time) (*store.Suggestion, error)
	InsertSuggestion(ctx context.Context, s *store.Suggestion) (string, error)
}

// WebhookEmitter delivers tenant events, at-most-once and fire-and-forget.
type WebhookEmitter interface {
	Emit(ctx context.Context, tenantID, event string, payload interface{})
}

// Deps carries the gate's injected collaborators.
type Deps struct {
	Store    GateStore
	Generate llm.Generator
	Bus      WebhookEmitter
	Audit    AuditEmitter
	Limiter  *RateLimiter
	Registry *registry.Registry
	Logger   *slog.Logger

	// Cooldown is how far back rejected suggestions still suppress new
	// ones. Zero means the 24h default.
	Cooldown time.Duration
}

// Gate creates suggestions behind dedup, rate limiting, and policy checks.
type Gate struct {
	deps Deps
	now  func() time.Time
}

// NewGate builds a gate. Store, Generate, and Audit are required.
func NewGate(deps Deps) *Gate {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cooldown <= 0 {
		deps.Cooldown = defaultCooldown
	}
	return &Gate{deps: deps, now: time.Now}
}

// CreateSuggestionIfNew runs the full gate for one trigger. Returns the
// inserted suggestion id, or "" for every other outcome. It never panics
// and never returns an error; outcomes surface through the audit record.
func (g *Gate) CreateSuggestionIfNew(ctx context.Context, tenantID string, td TriggerData) (insertedID string) {
	outcome := OutcomeError
	defer func() {
		if r := recover(); r != nil {
			g.deps.Logger.Error("suggestion gate panic",
				"tenant_id", tenantID,
				"trigger_id", td.TriggerID,
				"panic", fmt.Sprint(r))
			outcome = OutcomeError
			insertedID = ""
		}
		metrics.SuggestionOutcomes.WithLabelValues(string(outcome)).Inc()
		g.deps.Audit.EmitCareAudit(ctx, AuditEvent{
			TenantID:   tenantID,
			EventType:  EventTypeActionOutcome,
			TriggerID:  string(td.TriggerID),
			RecordType: string(td.RecordType),
			RecordID:   td.RecordID,
			Meta:       map[string]interface{}{"outcome_type": string(outcome)},
		})
	}()

	// Cooldown check. A pending row, or a rejection inside the cooldown
	// window, suppresses the trigger without spending an LLM call.
	rejectedSince := g.now().Add(-g.deps.Cooldown)
	existing, err := g.deps.Store.FindRecentSuggestion(ctx, tenantID, td.TriggerID, td.RecordType, td.RecordID, rejectedSince)
	if err != nil {
		g.deps.Logger.Error("cooldown check failed",
			"tenant_id", tenantID, "trigger_id", td.TriggerID, "error", err)
		outcome = OutcomeError
		return ""
	}
	if existing != nil {
		outcome = OutcomeDuplicateSuppressed
		return ""
	}

	if g.deps.Limiter != nil && !g.deps.Limiter.Allow(tenantID) {
		outcome = OutcomeGenerationFailed
		return ""
	}

	proposal, err := g.deps.Generate.Generate(ctx, g.buildPrompt(tenantID, td))
	if err != nil {
		g.deps.Logger.Warn("suggestion generation failed",
			"tenant_id", tenantID, "trigger_id", td.TriggerID, "error", err)
		outcome = OutcomeGenerationFailed
		return ""
	}
	if proposal == nil || proposal.Action.ToolName == "" {
		outcome = OutcomeGenerationFailed
		return ""
	}

	if g.deps.Registry != nil {
		if _, err := g.deps.Registry.Get(proposal.Action.ToolName); err != nil {
			g.deps.Logger.Error("model proposed unknown tool",
				"tenant_id", tenantID, "tool", proposal.Action.ToolName)
			outcome = OutcomeError
			return ""
		}
	}

	toolArgs, ok := decodeToolArgs(proposal.Action.ToolArgs)
	if !ok {
		outcome = OutcomeGenerationFailed
		return ""
	}

	suggestion := &store.Suggestion{
		TenantID:   tenantID,
		TriggerID:  td.TriggerID,
		RecordType: td.RecordType,
		RecordID:   td.RecordID,
		Action: store.SuggestionAction{
			ToolName: proposal.Action.ToolName,
			ToolArgs: toolArgs,
		},
		Confidence:  proposal.Confidence,
		Reasoning:   proposal.Reasoning,
		Priority:    td.Priority,
		Status:      store.StatusPending,
		OutcomeType: string(OutcomeSuggestionCreated),
	}
	if suggestion.Confidence == 0 {
		suggestion.Confidence = defaultConfidence
	}
	if suggestion.Priority == "" {
		suggestion.Priority = care.PriorityNormal
	}

	id, err := g.deps.Store.InsertSuggestion(ctx, suggestion)
	if err != nil {
		if store.IsUniqueViolation(err) {
			outcome = OutcomeConstraintViolation
			return ""
		}
		g.deps.Logger.Error("suggestion insert failed",
			"tenant_id", tenantID, "trigger_id", td.TriggerID, "error", err)
		outcome = OutcomeError
		return ""
	}
	if id == "" {
		outcome = OutcomeError
		return ""
	}

	outcome = OutcomeSuggestionCreated
	g.emitGenerated(ctx, tenantID, id, td, suggestion.Priority)
	return id
}

// emitGenerated fires the tenant webhook. A failing or panicking bus must
// not take back an already-inserted suggestion.
func (g *Gate) emitGenerated(ctx context.Context, tenantID, id string, td TriggerData, priority care.Priority) {
	if g.deps.Bus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.deps.Logger.Error("webhook emit panic",
				"tenant_id", tenantID, "suggestion_id", id, "panic", fmt.Sprint(r))
		}
	}()
	g.deps.Bus.Emit(ctx, tenantID, EventSuggestionGenerated, map[string]interface{}{
		"suggestion_id": id,
		"trigger_id":    string(td.TriggerID),
		"record_type":   string(td.RecordType),
		"record_id":     td.RecordID,
		"priority":      string(priority),
	})
}

// buildPrompt renders the trigger into a budgeted LLM request.
func (g *Gate) buildPrompt(tenantID string, td TriggerData) budget.Input {
	contextJSON, err := json.Marshal(td.Context)
	if err != nil {
		contextJSON = []byte("{}")
	}
	var tools []budget.Tool
	if g.deps.Registry != nil {
		tools = g.deps.Registry.Snapshot()
	}
	return budget.Input{
		SystemPrompt: systemPrompt,
		Messages: []budget.Message{
			{
				Role: "user",
				Content: fmt.Sprintf("Trigger %s fired for %s %s. Context: %s. Propose at most one action, or decline.",
					td.TriggerID, td.RecordType, td.RecordID, contextJSON),
			},
		},
		Tools: tools,
	}
}

const systemPrompt = `You are a CRM relationship assistant. Given a trigger that fired on a ` +
	`customer record, propose at most one concrete low-risk next action using the ` +
	`available tools, with a confidence score and brief reasoning. If no action is ` +
	`warranted, decline. Never propose commitments, pricing, or legal language.`

func decodeToolArgs(raw json.RawMessage) (map[string]interface{}, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, false
	}
	return args, true
}
