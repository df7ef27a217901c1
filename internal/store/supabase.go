package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/aisha/backend/internal/care"
	"github.com/aisha/backend/internal/tenantcfg"
)

// ============================================================================
// SUPABASE CLIENT — CARE persistence operations
// ============================================================================

// ScanWindows hold the trigger-scan thresholds, read once at start-up.
type ScanWindows struct {
	LeadStagnantDays     int
	DealDecayDays        int
	ContactInactiveDays  int
	OpportunityHotDays   int
	RegressionWindowDays int
	AccountRiskThreshold int
}

// DefaultScanWindows returns the built-in scan thresholds.
func DefaultScanWindows() ScanWindows {
	return ScanWindows{
		LeadStagnantDays:     7,
		DealDecayDays:        10,
		ContactInactiveDays:  30,
		OpportunityHotDays:   14,
		RegressionWindowDays: 7,
		AccountRiskThreshold: 70,
	}
}

// SupabaseClient wraps the Supabase Go client with all CARE operations.
// It implements Store, tenantcfg.Loader, and the audit insert used by the
// suggestion gate.
type SupabaseClient struct {
	client  *supabase.Client
	windows ScanWindows
	now     func() time.Time
}

// NewSupabaseClient creates a new Supabase client from the environment.
func NewSupabaseClient(windows ScanWindows) (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client, windows: windows, now: time.Now}, nil
}

// ============================================================================
// CARE STATE OPERATIONS
// ============================================================================

// GetCareState retrieves the state row for an entity, nil if none exists.
func (sc *SupabaseClient) GetCareState(ctx context.Context, ref care.EntityRef) (*care.CareStateRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var rows []care.CareStateRecord
	_, err := sc.client.From("care_states").
		Select("*", "", false).
		Eq("tenant_id", ref.TenantID).
		Eq("entity_type", string(ref.EntityType)).
		Eq("entity_id", ref.EntityID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query care_states: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpsertCareState creates or updates the single state row per entity.
func (sc *SupabaseClient) UpsertCareState(ctx context.Context, ref care.EntityRef, patch care.CareStatePatch) (*care.CareStateRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	row := map[string]interface{}{
		"tenant_id":   ref.TenantID,
		"entity_type": string(ref.EntityType),
		"entity_id":   ref.EntityID,
		"care_state":  string(patch.CareState),
		"updated_at":  patch.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if patch.LastSignalAt != nil {
		row["last_signal_at"] = patch.LastSignalAt.UTC().Format(time.RFC3339Nano)
	}

	var rows []care.CareStateRecord
	_, err := sc.client.From("care_states").
		Upsert(row, "tenant_id,entity_type,entity_id", "", "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("upsert care_states: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("upsert care_states returned no row")
	}
	return &rows[0], nil
}

// AppendCareHistory appends one history event. The reason is mandatory.
// Events are upserted on event_id so a retried append is a no-op.
func (sc *SupabaseClient) AppendCareHistory(ctx context.Context, event *care.CareHistoryEvent) error {
	if event == nil || strings.TrimSpace(event.Reason) == "" {
		return fmt.Errorf("care history event requires a non-empty reason")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = sc.now().UTC()
	}
	_, _, err := sc.client.From("care_history").
		Upsert(event, "event_id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("append care_history: %w", err)
	}
	return nil
}

// GetCareHistory retrieves history events for an entity, oldest first
// unless the query asks for descending order.
func (sc *SupabaseClient) GetCareHistory(ctx context.Context, ref care.EntityRef, q HistoryQuery) ([]care.CareHistoryEvent, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var rows []care.CareHistoryEvent
	_, err := sc.client.From("care_history").
		Select("*", "", false).
		Eq("tenant_id", ref.TenantID).
		Eq("entity_type", string(ref.EntityType)).
		Eq("entity_id", ref.EntityID).
		Order("created_at", historyOrderOpts(q)).
		Limit(q.Limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query care_history: %w", err)
	}
	return rows, nil
}

// historyOrderOpts maps the query's order flag onto PostgREST ordering.
func historyOrderOpts(q HistoryQuery) *postgrest.OrderOpts {
	return &postgrest.OrderOpts{Ascending: !q.Descending}
}

// ============================================================================
// SUGGESTION OPERATIONS
// ============================================================================

// InsertSuggestion inserts one suggestion and returns the stored id.
// A unique-constraint rejection surfaces as ErrUniqueViolation.
func (sc *SupabaseClient) InsertSuggestion(ctx context.Context, s *Suggestion) (string, error) {
	var rows []Suggestion
	_, err := sc.client.From("ai_suggestions").
		Insert(s, false, "", "", "").
		ExecuteTo(&rows)
	if err != nil {
		if IsUniqueViolation(err) {
			return "", fmt.Errorf("insert ai_suggestions: %w: %w", ErrUniqueViolation, err)
		}
		return "", fmt.Errorf("insert ai_suggestions: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("insert ai_suggestions returned no row")
	}
	return rows[0].ID, nil
}

// QuerySuggestions lists suggestions for a tenant with optional filters.
func (sc *SupabaseClient) QuerySuggestions(ctx context.Context, q SuggestionQuery) ([]Suggestion, error) {
	query := sc.client.From("ai_suggestions").
		Select("*", "", false).
		Eq("tenant_id", q.TenantID).
		Order("created_at", nil)

	if q.Status != "" {
		query = query.Eq("status", string(q.Status))
	}
	if q.TriggerID != "" {
		query = query.Eq("trigger_id", string(q.TriggerID))
	}
	if q.Priority != "" {
		query = query.Eq("priority", string(q.Priority))
	}
	if q.RecordType != "" {
		query = query.Eq("record_type", string(q.RecordType))
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	query = query.Limit(q.Limit, "")

	var rows []Suggestion
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query ai_suggestions: %w", err)
	}
	return rows, nil
}

// FindRecentSuggestion returns a pending suggestion for the key, or a
// rejected one updated at/after rejectedSince. Nil when neither exists.
func (sc *SupabaseClient) FindRecentSuggestion(ctx context.Context, tenantID string, triggerID care.TriggerType, recordType care.EntityType, recordID string, rejectedSince time.Time) (*Suggestion, error) {
	var pending []Suggestion
	_, err := sc.client.From("ai_suggestions").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("trigger_id", string(triggerID)).
		Eq("record_type", string(recordType)).
		Eq("record_id", recordID).
		Eq("status", string(StatusPending)).
		Limit(1, "").
		ExecuteTo(&pending)
	if err != nil {
		return nil, fmt.Errorf("query pending ai_suggestions: %w", err)
	}
	if len(pending) > 0 {
		return &pending[0], nil
	}

	var rejected []Suggestion
	_, err = sc.client.From("ai_suggestions").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("trigger_id", string(triggerID)).
		Eq("record_type", string(recordType)).
		Eq("record_id", recordID).
		Eq("status", string(StatusRejected)).
		Gte("updated_at", rejectedSince.UTC().Format(time.RFC3339Nano)).
		Limit(1, "").
		ExecuteTo(&rejected)
	if err != nil {
		return nil, fmt.Errorf("query rejected ai_suggestions: %w", err)
	}
	if len(rejected) > 0 {
		return &rejected[0], nil
	}
	return nil, nil
}

// ============================================================================
// TENANT CONFIG OPERATIONS
// ============================================================================

// LoadCareConfig retrieves the workflow config for a tenant, nil if no row.
func (sc *SupabaseClient) LoadCareConfig(ctx context.Context, tenantID string) (*tenantcfg.TenantCareConfig, error) {
	var rows []tenantcfg.TenantCareConfig
	_, err := sc.client.From("tenant_care_config").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query tenant_care_config: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListActiveTenants returns tenant ids with CARE enabled. The trigger
// worker scans only these.
func (sc *SupabaseClient) ListActiveTenants(ctx context.Context) ([]string, error) {
	var rows []struct {
		TenantID string `json:"tenant_id"`
	}
	_, err := sc.client.From("tenant_care_config").
		Select("tenant_id", "", false).
		Eq("is_enabled", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query active tenants: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.TenantID)
	}
	return ids, nil
}

// ============================================================================
// AUDIT OPERATIONS
// ============================================================================

// CareAuditRow is one ACTION_OUTCOME audit record.
type CareAuditRow struct {
	AuditID    string                 `json:"audit_id,omitempty"`
	TenantID   string                 `json:"tenant_id"`
	EventType  string                 `json:"event_type"`
	TriggerID  string                 `json:"trigger_id"`
	RecordType string                 `json:"record_type"`
	RecordID   string                 `json:"record_id"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	CreatedAt  time.Time              `json:"created_at,omitempty"`
}

// InsertCareAudit inserts a single audit row.
func (sc *SupabaseClient) InsertCareAudit(ctx context.Context, row *CareAuditRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = sc.now().UTC()
	}
	_, _, err := sc.client.From("care_audit_log").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert care_audit_log: %w", err)
	}
	return nil
}

// ============================================================================
// TRIGGER SCAN OPERATIONS
// ============================================================================

type leadRow struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	LastActivityAt *time.Time `json:"last_activity_at"`
}

type opportunityRow struct {
	ID                string     `json:"id"`
	Stage             string     `json:"stage"`
	Probability       float64    `json:"probability"`
	ExpectedCloseDate *time.Time `json:"expected_close_date"`
	LastActivityAt    *time.Time `json:"last_activity_at"`
}

type activityRow struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	DueAt  *time.Time `json:"due_at"`
}

type contactRow struct {
	ID             string     `json:"id"`
	LastActivityAt *time.Time `json:"last_activity_at"`
}

type accountRow struct {
	ID        string `json:"id"`
	RiskLevel int    `json:"risk_level"`
}

type stageEventRow struct {
	OpportunityID string `json:"opportunity_id"`
	FromStage     string `json:"from_stage"`
	ToStage       string `json:"to_stage"`
}

type followupFlagRow struct {
	RecordID   string `json:"record_id"`
	RecordType string `json:"record_type"`
	Reason     string `json:"reason"`
}

// ScanTriggerCandidates queries the record store for the band matching one
// trigger type. Thresholds come from the client's ScanWindows.
func (sc *SupabaseClient) ScanTriggerCandidates(ctx context.Context, tenantID string, trigger care.TriggerType) ([]TriggerCandidate, error) {
	now := sc.now().UTC()
	cutoff := func(days int) string {
		return now.AddDate(0, 0, -days).Format(time.RFC3339Nano)
	}

	switch trigger {
	case care.TriggerLeadStagnant:
		var rows []leadRow
		_, err := sc.client.From("leads").
			Select("id,status,last_activity_at", "", false).
			Eq("tenant_id", tenantID).
			Neq("status", "converted").
			Neq("status", "lost").
			Lt("last_activity_at", cutoff(sc.windows.LeadStagnantDays)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan leads: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.ID,
				RecordType: care.EntityLead,
				Context: map[string]interface{}{
					"status":        r.Status,
					"days_stagnant": daysSince(r.LastActivityAt, now),
				},
			})
		}
		return out, nil

	case care.TriggerDealDecay:
		var rows []opportunityRow
		_, err := sc.client.From("opportunities").
			Select("id,stage,last_activity_at", "", false).
			Eq("tenant_id", tenantID).
			Neq("stage", "closed_won").
			Neq("stage", "closed_lost").
			Lt("last_activity_at", cutoff(sc.windows.DealDecayDays)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunities: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.ID,
				RecordType: care.EntityOpportunity,
				Context: map[string]interface{}{
					"stage":         r.Stage,
					"days_stagnant": daysSince(r.LastActivityAt, now),
				},
			})
		}
		return out, nil

	case care.TriggerDealRegression:
		var rows []stageEventRow
		_, err := sc.client.From("opportunity_stage_events").
			Select("opportunity_id,from_stage,to_stage", "", false).
			Eq("tenant_id", tenantID).
			Eq("direction", "regression").
			Gte("created_at", cutoff(sc.windows.RegressionWindowDays)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage events: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.OpportunityID,
				RecordType: care.EntityOpportunity,
				Context: map[string]interface{}{
					"from_stage": r.FromStage,
					"to_stage":   r.ToStage,
				},
			})
		}
		return out, nil

	case care.TriggerActivityOverdue:
		var rows []activityRow
		_, err := sc.client.From("activities").
			Select("id,status,due_at", "", false).
			Eq("tenant_id", tenantID).
			Neq("status", "completed").
			Lt("due_at", now.Format(time.RFC3339Nano)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan activities: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.ID,
				RecordType: care.EntityActivity,
				Context: map[string]interface{}{
					"status":       r.Status,
					"days_overdue": daysSince(r.DueAt, now),
				},
			})
		}
		return out, nil

	case care.TriggerOpportunityHot:
		var rows []opportunityRow
		_, err := sc.client.From("opportunities").
			Select("id,stage,probability,expected_close_date", "", false).
			Eq("tenant_id", tenantID).
			Neq("stage", "closed_won").
			Neq("stage", "closed_lost").
			Gte("probability", "70").
			Lte("expected_close_date", now.AddDate(0, 0, sc.windows.OpportunityHotDays).Format(time.RFC3339Nano)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan hot opportunities: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.ID,
				RecordType: care.EntityOpportunity,
				Context: map[string]interface{}{
					"probability": r.Probability,
					"stage":       r.Stage,
				},
			})
		}
		return out, nil

	case care.TriggerContactInactive:
		var rows []contactRow
		_, err := sc.client.From("contacts").
			Select("id,last_activity_at", "", false).
			Eq("tenant_id", tenantID).
			Lt("last_activity_at", cutoff(sc.windows.ContactInactiveDays)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan contacts: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.ID,
				RecordType: care.EntityContact,
				Context: map[string]interface{}{
					"days_inactive": daysSince(r.LastActivityAt, now),
				},
			})
		}
		return out, nil

	case care.TriggerAccountRisk:
		var rows []accountRow
		_, err := sc.client.From("accounts").
			Select("id,risk_level", "", false).
			Eq("tenant_id", tenantID).
			Gte("risk_level", fmt.Sprintf("%d", sc.windows.AccountRiskThreshold)).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan accounts: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			out = append(out, TriggerCandidate{
				RecordID:   r.ID,
				RecordType: care.EntityAccount,
				Context: map[string]interface{}{
					"risk_level": r.RiskLevel,
				},
			})
		}
		return out, nil

	case care.TriggerFollowupNeeded:
		var rows []followupFlagRow
		_, err := sc.client.From("care_followup_flags").
			Select("record_id,record_type,reason", "", false).
			Eq("tenant_id", tenantID).
			Eq("resolved", "false").
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("scan followup flags: %w", err)
		}
		out := make([]TriggerCandidate, 0, len(rows))
		for _, r := range rows {
			recordType, err := care.ParseEntityType(r.RecordType)
			if err != nil {
				continue // unknown record types never leave the boundary
			}
			out = append(out, TriggerCandidate{
				RecordID:   r.RecordID,
				RecordType: recordType,
				Context: map[string]interface{}{
					"reason": r.Reason,
				},
			})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown trigger type: %q", trigger)
	}
}

func daysSince(t *time.Time, now time.Time) int {
	if t == nil {
		return 0
	}
	d := int(now.Sub(*t).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
