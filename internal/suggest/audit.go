package suggest

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aisha/backend/internal/store"
)

// EventTypeActionOutcome is the audit event type for suggestion-gate
// invocations.
const EventTypeActionOutcome = "ACTION_OUTCOME"

// AuditEvent is one structured audit record.
type AuditEvent struct {
	TenantID   string
	EventType  string
	TriggerID  string
	RecordType string
	RecordID   string
	Meta       map[string]interface{}
}

// AuditEmitter records gate outcomes. Implementations must not fail the
// caller: persistence errors are logged and swallowed.
type AuditEmitter interface {
	EmitCareAudit(ctx context.Context, event AuditEvent)
}

type auditInserter interface {
	InsertCareAudit(ctx context.Context, row *store.CareAuditRow) error
}

// SupabaseAuditEmitter writes audit rows to care_audit_log. A failed write
// never surfaces to the gate; losing an audit row is preferable to failing
// the suggestion pipeline.
type SupabaseAuditEmitter struct {
	store  auditInserter
	logger *slog.Logger
}

// NewSupabaseAuditEmitter builds the emitter.
func NewSupabaseAuditEmitter(st auditInserter, logger *slog.Logger) *SupabaseAuditEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SupabaseAuditEmitter{store: st, logger: logger}
}

// EmitCareAudit persists the event, logging on failure.
func (e *SupabaseAuditEmitter) EmitCareAudit(ctx context.Context, event AuditEvent) {
	row := &store.CareAuditRow{
		AuditID:    uuid.NewString(),
		TenantID:   event.TenantID,
		EventType:  event.EventType,
		TriggerID:  event.TriggerID,
		RecordType: event.RecordType,
		RecordID:   event.RecordID,
		Meta:       event.Meta,
	}
	if err := e.store.InsertCareAudit(ctx, row); err != nil {
		e.logger.Error("audit emit failed",
			"tenant_id", event.TenantID,
			"trigger_id", event.TriggerID,
			"error", err)
	}
}
