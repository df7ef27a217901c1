// Package store defines the persistence boundary for the CARE orchestrator
// and its Supabase-backed implementation.
//
// Every operation is scoped by tenant_id; the adapter adds the tenant
// predicate to every query so no call path can cross tenants. Errors that
// matter to callers (unique violations) are distinguishable via
// IsUniqueViolation; everything else is a generic wrapped error.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aisha/backend/internal/care"
)

// ErrUniqueViolation marks an insert rejected by a unique constraint.
// The suggestion gate maps it to the constraint_violation outcome.
var ErrUniqueViolation = errors.New("unique constraint violation")

// IsUniqueViolation reports whether err is a unique-constraint failure,
// either our sentinel or the raw Postgres/PostgREST error text (23505).
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// SuggestionStatus is the suggestion lifecycle: pending until a human
// decides, then approved/rejected, then applied.
type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "pending"
	StatusApproved SuggestionStatus = "approved"
	StatusRejected SuggestionStatus = "rejected"
	StatusApplied  SuggestionStatus = "applied"
)

// SuggestionAction is the proposed tool invocation.
type SuggestionAction struct {
	ToolName string                 `json:"tool_name"`
	ToolArgs map[string]interface{} `json:"tool_args,omitempty"`
}

// Suggestion is a stored, gated action proposal. The ai_suggestions table
// carries a partial unique index on (tenant_id, trigger_id, record_type,
// record_id) WHERE status = 'pending' — the dedup anchor.
type Suggestion struct {
	ID          string           `json:"id,omitempty"`
	TenantID    string           `json:"tenant_id"`
	TriggerID   care.TriggerType `json:"trigger_id"`
	RecordType  care.EntityType  `json:"record_type"`
	RecordID    string           `json:"record_id"`
	Action      SuggestionAction `json:"action"`
	Confidence  float64          `json:"confidence"`
	Reasoning   string           `json:"reasoning"`
	Priority    care.Priority    `json:"priority"`
	Status      SuggestionStatus `json:"status"`
	OutcomeType string           `json:"outcome_type,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at,omitempty"`
}

// SuggestionQuery filters QuerySuggestions.
type SuggestionQuery struct {
	TenantID   string
	Status     SuggestionStatus
	TriggerID  care.TriggerType
	Priority   care.Priority
	RecordType care.EntityType
	Limit      int
	Offset     int
}

// HistoryQuery filters GetCareHistory.
type HistoryQuery struct {
	Limit      int
	Descending bool
}

// TriggerCandidate is one record returned by a trigger scan, with the
// raw context the scanner derived it from.
type TriggerCandidate struct {
	RecordID   string                 `json:"record_id"`
	RecordType care.EntityType        `json:"record_type"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Store is the full persistence surface the orchestrator consumes.
// Production wiring uses the Supabase client; tests supply fakes.
type Store interface {
	GetCareState(ctx context.Context, ref care.EntityRef) (*care.CareStateRecord, error)
	UpsertCareState(ctx context.Context, ref care.EntityRef, patch care.CareStatePatch) (*care.CareStateRecord, error)
	AppendCareHistory(ctx context.Context, event *care.CareHistoryEvent) error
	GetCareHistory(ctx context.Context, ref care.EntityRef, q HistoryQuery) ([]care.CareHistoryEvent, error)

	InsertSuggestion(ctx context.Context, s *Suggestion) (string, error)
	QuerySuggestions(ctx context.Context, q SuggestionQuery) ([]Suggestion, error)
	// FindRecentSuggestion returns a pending suggestion for the key, or a
	// rejected one updated at/after rejectedSince. Nil when neither exists.
	FindRecentSuggestion(ctx context.Context, tenantID string, triggerID care.TriggerType, recordType care.EntityType, recordID string, rejectedSince time.Time) (*Suggestion, error)

	ScanTriggerCandidates(ctx context.Context, tenantID string, trigger care.TriggerType) ([]TriggerCandidate, error)
	ListActiveTenants(ctx context.Context) ([]string, error)
}
