// Package care implements the C.A.R.E. relationship orchestration core:
// the lifecycle state engine, the escalation detector, and the policy gate.
//
// The package is deliberately free of I/O. Persistence goes through the
// narrow interfaces in internal/store; everything here is a pure value or
// a pure function over values, safe to call from any goroutine.
package care

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType enumerates the CRM record kinds the orchestrator observes.
type EntityType string

const (
	EntityLead        EntityType = "lead"
	EntityContact     EntityType = "contact"
	EntityAccount     EntityType = "account"
	EntityOpportunity EntityType = "opportunity"
	EntityActivity    EntityType = "activity"
)

// ParseEntityType converts a wire/database string into an EntityType.
// Unknown values are rejected at the boundary.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(strings.ToLower(strings.TrimSpace(s)))
	switch et {
	case EntityLead, EntityContact, EntityAccount, EntityOpportunity, EntityActivity:
		return et, nil
	default:
		return "", fmt.Errorf("unknown entity type: %q", s)
	}
}

// CareState is the lifecycle label attached to a CRM entity.
type CareState string

const (
	StateUnaware     CareState = "unaware"
	StateAware       CareState = "aware"
	StateEngaged     CareState = "engaged"
	StateEvaluating  CareState = "evaluating"
	StateCommitted   CareState = "committed"
	StateActive      CareState = "active"
	StateAtRisk      CareState = "at_risk"
	StateDormant     CareState = "dormant"
	StateReactivated CareState = "reactivated"
	StateLost        CareState = "lost"
)

// DefaultState is assigned to an entity on its first observed signal.
const DefaultState = StateUnaware

var validStates = map[CareState]bool{
	StateUnaware: true, StateAware: true, StateEngaged: true,
	StateEvaluating: true, StateCommitted: true, StateActive: true,
	StateAtRisk: true, StateDormant: true, StateReactivated: true,
	StateLost: true,
}

// ParseCareState converts a wire/database string into a CareState.
func ParseCareState(s string) (CareState, error) {
	st := CareState(strings.ToLower(strings.TrimSpace(s)))
	if !validStates[st] {
		return "", fmt.Errorf("unknown care state: %q", s)
	}
	return st, nil
}

// Valid reports whether the state is a member of the closed set.
func (s CareState) Valid() bool { return validStates[s] }

// EntityRef uniquely identifies a CRM record within a tenant.
type EntityRef struct {
	TenantID   string     `json:"tenant_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

// Validate checks UUID shape on both ids and membership of the entity type.
func (r EntityRef) Validate() error {
	if _, err := uuid.Parse(r.TenantID); err != nil {
		return fmt.Errorf("invalid tenant_id: %w", err)
	}
	if _, err := uuid.Parse(r.EntityID); err != nil {
		return fmt.Errorf("invalid entity_id: %w", err)
	}
	if _, err := ParseEntityType(string(r.EntityType)); err != nil {
		return err
	}
	return nil
}

// Key returns a stable string key for maps and advisory locks.
func (r EntityRef) Key() string {
	return r.TenantID + ":" + string(r.EntityType) + ":" + r.EntityID
}

// EscalationStatus is the open/closed flag on a state record. Empty means
// no escalation has ever been opened.
type EscalationStatus string

const (
	EscalationOpen   EscalationStatus = "open"
	EscalationClosed EscalationStatus = "closed"
)

// CareStateRecord is the single persisted row per EntityRef.
// Fields map 1:1 to the care_states Supabase table columns.
type CareStateRecord struct {
	TenantID         string           `json:"tenant_id"`
	EntityType       EntityType       `json:"entity_type"`
	EntityID         string           `json:"entity_id"`
	CareState        CareState        `json:"care_state"`
	HandsOffEnabled  bool             `json:"hands_off_enabled"`
	EscalationStatus EscalationStatus `json:"escalation_status,omitempty"`
	LastSignalAt     *time.Time       `json:"last_signal_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at,omitempty"`
}

// Ref returns the EntityRef the record belongs to.
func (r *CareStateRecord) Ref() EntityRef {
	return EntityRef{TenantID: r.TenantID, EntityType: r.EntityType, EntityID: r.EntityID}
}

// HistoryEventType enumerates the append-only history event kinds.
type HistoryEventType string

const (
	EventStateProposed    HistoryEventType = "state_proposed"
	EventStateApplied     HistoryEventType = "state_applied"
	EventEscalationOpened HistoryEventType = "escalation_opened"
	EventEscalationClosed HistoryEventType = "escalation_closed"
	EventActionCandidate  HistoryEventType = "action_candidate"
	EventActionSkipped    HistoryEventType = "action_skipped"
	EventSignalRecorded   HistoryEventType = "signal_recorded"
)

// ActorType identifies who caused a history event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
)

// CareHistoryEvent is one append-only audit row for an entity.
// Reason is mandatory; AppendCareHistory callers must reject empty reasons.
type CareHistoryEvent struct {
	EventID    string                 `json:"event_id,omitempty"`
	TenantID   string                 `json:"tenant_id"`
	EntityType EntityType             `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	FromState  CareState              `json:"from_state,omitempty"`
	ToState    CareState              `json:"to_state,omitempty"`
	EventType  HistoryEventType       `json:"event_type"`
	Reason     string                 `json:"reason"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	ActorType  ActorType              `json:"actor_type"`
	ActorID    string                 `json:"actor_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at,omitempty"`
}

// CareSignals is the bundle of observations the state engine consumes.
// Every field is optional; a nil pointer or zero value means "no signal".
type CareSignals struct {
	LastInboundAt      *time.Time             `json:"last_inbound_at,omitempty"`
	LastOutboundAt     *time.Time             `json:"last_outbound_at,omitempty"`
	HasBidirectional   bool                   `json:"has_bidirectional,omitempty"`
	ProposalSent       bool                   `json:"proposal_sent,omitempty"`
	CommitmentRecorded bool                   `json:"commitment_recorded,omitempty"`
	NegativeSentiment  bool                   `json:"negative_sentiment,omitempty"`
	ExplicitRejection  bool                   `json:"explicit_rejection,omitempty"`
	SilenceDays        *int                   `json:"silence_days,omitempty"`
	MeetingScheduled   bool                   `json:"meeting_scheduled,omitempty"`
	MeetingCompleted   bool                   `json:"meeting_completed,omitempty"`
	ContractSigned     bool                   `json:"contract_signed,omitempty"`
	PaymentReceived    bool                   `json:"payment_received,omitempty"`
	EngagementScore    *float64               `json:"engagement_score,omitempty"`
	Meta               map[string]interface{} `json:"meta,omitempty"`
}

// Confidence buckets for escalation results.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// EscalationReason is a typed classification of why a human is needed.
type EscalationReason string

const (
	ReasonObjection           EscalationReason = "objection"
	ReasonPricingOrContract   EscalationReason = "pricing_or_contract"
	ReasonNegativeSentiment   EscalationReason = "negative_sentiment"
	ReasonComplianceSensitive EscalationReason = "compliance_sensitive"
	ReasonUnknownHighRisk     EscalationReason = "unknown_high_risk"
)

// EscalationResult is the detector's verdict over one signal bundle.
type EscalationResult struct {
	Escalate   bool                   `json:"escalate"`
	Reasons    []EscalationReason     `json:"reasons"`
	Confidence Confidence             `json:"confidence"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// HasReason reports membership of a reason in the result.
func (r *EscalationResult) HasReason(reason EscalationReason) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}

// TriggerType enumerates the stagnation/decay conditions the worker derives.
type TriggerType string

const (
	TriggerLeadStagnant    TriggerType = "lead_stagnant"
	TriggerDealDecay       TriggerType = "deal_decay"
	TriggerDealRegression  TriggerType = "deal_regression"
	TriggerAccountRisk     TriggerType = "account_risk"
	TriggerActivityOverdue TriggerType = "activity_overdue"
	TriggerContactInactive TriggerType = "contact_inactive"
	TriggerOpportunityHot  TriggerType = "opportunity_hot"
	TriggerFollowupNeeded  TriggerType = "followup_needed"
)

var validTriggers = map[TriggerType]bool{
	TriggerLeadStagnant: true, TriggerDealDecay: true, TriggerDealRegression: true,
	TriggerAccountRisk: true, TriggerActivityOverdue: true, TriggerContactInactive: true,
	TriggerOpportunityHot: true, TriggerFollowupNeeded: true,
}

// ParseTriggerType converts a wire string into a TriggerType.
func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(strings.ToLower(strings.TrimSpace(s)))
	if !validTriggers[t] {
		return "", fmt.Errorf("unknown trigger type: %q", s)
	}
	return t, nil
}

// Priority orders suggestions and trigger tie-breaks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to an integer for comparisons; unknown values rank
// below low so they never win a tie-break.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}
