// Package metrics exposes the orchestrator's Prometheus collectors.
// Registered once per process via promauto on first import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook delivery
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_webhook_attempts_total",
			Help: "Total webhook delivery attempts, including retries",
		},
		[]string{"result"}, // result: success, failure
	)
	WebhookInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "care_webhook_in_flight",
			Help: "Webhook requests currently holding a semaphore slot",
		},
	)
	WebhookBatchSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "care_webhook_batch_skipped_total",
			Help: "Payloads dropped because a batch exceeded its size cap",
		},
	)

	// Trigger scans
	ScanCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_scan_cycles_total",
			Help: "Tenant scan cycles by outcome",
		},
		[]string{"outcome"}, // outcome: completed, lease_held, error, deadline
	)
	TriggersMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_triggers_matched_total",
			Help: "Trigger candidates forwarded to the suggestion gate",
		},
		[]string{"trigger"},
	)

	// Suggestion gate
	SuggestionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_suggestion_outcomes_total",
			Help: "Suggestion gate invocations by outcome type",
		},
		[]string{"outcome"},
	)

	// Token budget
	BudgetActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_budget_actions_total",
			Help: "Prompt trim actions taken by the token budget manager",
		},
		[]string{"action"},
	)

	// State engine
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_state_transitions_total",
			Help: "Applied care state transitions",
		},
		[]string{"from", "to"},
	)
)
