package care

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aisha/backend/internal/metrics"
)

// State engine: deterministic mapping from (current state, signals) to a
// transition proposal, and the two-write apply path (state upsert followed
// by a history append). Rules are evaluated in strict priority order.

// Thresholds hold the silence-day boundaries, read once at start-up.
type Thresholds struct {
	AtRiskSilenceDays  int
	DormantSilenceDays int
}

// DefaultThresholds returns the built-in silence boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{AtRiskSilenceDays: 14, DormantSilenceDays: 30}
}

// TransitionProposal describes one rule firing. Reason is always non-empty.
type TransitionProposal struct {
	From   CareState              `json:"from_state"`
	To     CareState              `json:"to_state"`
	Reason string                 `json:"reason"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// StateStore is the slice of the persistence store the engine needs.
// The Supabase client in internal/store satisfies it.
type StateStore interface {
	UpsertCareState(ctx context.Context, ref EntityRef, patch CareStatePatch) (*CareStateRecord, error)
	AppendCareHistory(ctx context.Context, event *CareHistoryEvent) error
}

// CareStatePatch is the partial update applied by ApplyTransition.
type CareStatePatch struct {
	CareState    CareState  `json:"care_state"`
	LastSignalAt *time.Time `json:"last_signal_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Actor identifies who is applying a transition.
type Actor struct {
	Type ActorType
	ID   string
}

// EngineConfig gates persistence. StateWriteEnabled false or ShadowMode
// true turns ApplyTransition into a log-only operation.
type EngineConfig struct {
	Thresholds        Thresholds
	StateWriteEnabled bool
	ShadowMode        bool
}

// Engine evaluates and applies lifecycle transitions. Safe for concurrent
// use; it holds no mutable state beyond configuration.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds an engine. Zero thresholds fall back to defaults.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Thresholds.AtRiskSilenceDays <= 0 {
		cfg.Thresholds.AtRiskSilenceDays = DefaultThresholds().AtRiskSilenceDays
	}
	if cfg.Thresholds.DormantSilenceDays <= 0 {
		cfg.Thresholds.DormantSilenceDays = DefaultThresholds().DormantSilenceDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger, now: time.Now}
}

// ProposeTransition applies the rule table in priority order and returns
// the first firing rule, or nil when no rule fires. Identity transitions
// are never proposed.
func (e *Engine) ProposeTransition(current CareState, signals CareSignals) *TransitionProposal {
	if !current.Valid() {
		return nil
	}

	silence := -1
	if signals.SilenceDays != nil {
		silence = *signals.SilenceDays
	}

	propose := func(to CareState, reason string) *TransitionProposal {
		if to == current {
			return nil
		}
		return &TransitionProposal{
			From:   current,
			To:     to,
			Reason: reason,
			Meta: map[string]interface{}{
				"engagement_score": EngagementScore(signals),
			},
		}
	}

	switch {
	case signals.ExplicitRejection:
		return propose(StateLost, "explicit rejection recorded; relationship marked lost")

	case current == StateDormant && signals.LastInboundAt != nil:
		return propose(StateReactivated, "inbound contact received while dormant; relationship reactivated")

	case current == StateAtRisk && silence >= e.cfg.Thresholds.DormantSilenceDays:
		return propose(StateDormant, fmt.Sprintf("no contact for %d days (dormant threshold %d)", silence, e.cfg.Thresholds.DormantSilenceDays))

	case current != StateAtRisk && current != StateDormant && current != StateLost &&
		silence >= e.cfg.Thresholds.AtRiskSilenceDays:
		return propose(StateAtRisk, fmt.Sprintf("no contact for %d days (at-risk threshold %d)", silence, e.cfg.Thresholds.AtRiskSilenceDays))

	case current == StateUnaware && signals.LastInboundAt != nil:
		return propose(StateAware, "first inbound contact observed")

	case current == StateAware && signals.HasBidirectional:
		return propose(StateEngaged, "bidirectional conversation established")

	case current == StateEngaged && signals.ProposalSent:
		return propose(StateEvaluating, "proposal sent; customer is evaluating")

	case current == StateEvaluating && signals.CommitmentRecorded:
		return propose(StateCommitted, "commitment recorded during evaluation")

	case current == StateCommitted &&
		(signals.ContractSigned || signals.PaymentReceived || signals.MeetingCompleted):
		return propose(StateActive, "commitment fulfilled (contract, payment, or completed meeting)")
	}

	return nil
}

// ApplyTransition performs the two store writes: state upsert, then history
// append. The writes form one logical unit; the history event id is
// deterministic so a retried append is idempotent.
//
// Returns whether the transition was persisted. Shadow mode and disabled
// state writes log the transition and report false so callers do not act
// on a state that never changed.
//
// Validation failures are the only errors raised before touching the store.
func (e *Engine) ApplyTransition(ctx context.Context, ref EntityRef, proposal *TransitionProposal, st StateStore, actor Actor) (bool, error) {
	if proposal == nil {
		return false, fmt.Errorf("nil transition proposal")
	}
	if err := ref.Validate(); err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	if strings.TrimSpace(proposal.Reason) == "" {
		return false, fmt.Errorf("apply transition: empty reason for %s -> %s", proposal.From, proposal.To)
	}
	if !proposal.To.Valid() {
		return false, fmt.Errorf("apply transition: invalid target state %q", proposal.To)
	}
	if proposal.From == proposal.To {
		// Identity transitions are not persisted.
		return false, nil
	}
	if actor.Type == "" {
		actor.Type = ActorSystem
	}

	now := e.now().UTC()

	if !e.cfg.StateWriteEnabled || e.cfg.ShadowMode {
		e.logger.Info("shadow: care state transition not persisted",
			"tenant_id", ref.TenantID, "entity", ref.Key(),
			"from", proposal.From, "to", proposal.To, "reason", proposal.Reason,
			"shadow_mode", e.cfg.ShadowMode, "state_write_enabled", e.cfg.StateWriteEnabled)
		return false, nil
	}

	patch := CareStatePatch{CareState: proposal.To, LastSignalAt: &now, UpdatedAt: now}
	if _, err := st.UpsertCareState(ctx, ref, patch); err != nil {
		return false, fmt.Errorf("upsert care state: %w", err)
	}

	event := &CareHistoryEvent{
		EventID:    transitionEventID(ref, proposal.To, now),
		TenantID:   ref.TenantID,
		EntityType: ref.EntityType,
		EntityID:   ref.EntityID,
		FromState:  proposal.From,
		ToState:    proposal.To,
		EventType:  EventStateApplied,
		Reason:     proposal.Reason,
		Meta:       proposal.Meta,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		CreatedAt:  now,
	}
	if err := st.AppendCareHistory(ctx, event); err != nil {
		return false, fmt.Errorf("append care history: %w", err)
	}
	metrics.StateTransitions.WithLabelValues(string(proposal.From), string(proposal.To)).Inc()
	return true, nil
}

// transitionEventID derives a deterministic event id so history appends can
// be retried without duplicating rows.
func transitionEventID(ref EntityRef, to CareState, at time.Time) string {
	seed := ref.Key() + "|" + string(to) + "|" + at.Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

// EnrichSignals overrides a caller-provided silence_days when the inbound
// timestamp yields a more recent (smaller) value, recording the override
// in meta.
func EnrichSignals(signals CareSignals, now time.Time) CareSignals {
	if signals.LastInboundAt == nil {
		return signals
	}
	derived := int(now.Sub(*signals.LastInboundAt).Hours() / 24)
	if derived < 0 {
		derived = 0
	}
	if signals.SilenceDays == nil || derived < *signals.SilenceDays {
		if signals.Meta == nil {
			signals.Meta = map[string]interface{}{}
		}
		if signals.SilenceDays != nil {
			signals.Meta["silence_days_overridden_from"] = *signals.SilenceDays
		}
		signals.Meta["silence_days_source"] = "last_inbound_at"
		signals.SilenceDays = &derived
	}
	return signals
}

// EngagementScore computes the advisory engagement scalar in [-5, 10] from
// boolean signals and silence bands. It never gates a transition.
func EngagementScore(signals CareSignals) float64 {
	score := 0.0
	if signals.HasBidirectional {
		score += 2
	}
	if signals.ProposalSent {
		score += 1
	}
	if signals.CommitmentRecorded {
		score += 2
	}
	if signals.MeetingScheduled {
		score += 1
	}
	if signals.MeetingCompleted {
		score += 2
	}
	if signals.ContractSigned {
		score += 2
	}
	if signals.PaymentReceived {
		score += 2
	}
	if signals.NegativeSentiment {
		score -= 2
	}
	if signals.ExplicitRejection {
		score -= 3
	}
	if signals.SilenceDays != nil {
		switch d := *signals.SilenceDays; {
		case d <= 3:
			score += 1
		case d <= 7:
			// neutral band
		case d <= 14:
			score -= 1
		case d <= 30:
			score -= 2
		default:
			score -= 3
		}
	}
	if score > 10 {
		score = 10
	}
	if score < -5 {
		score = -5
	}
	return score
}
