// Package llm defines the suggestion generator contract and the budgeted
// wrapper that every provider call goes through. The orchestrator never
// talks to a model directly; requests are trimmed to the token budget and
// guarded by a circuit breaker and a hard timeout first.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aisha/backend/internal/budget"
	"github.com/aisha/backend/internal/circuitbreaker"
	"github.com/aisha/backend/internal/metrics"
)

// normalizeAction collapses counted actions like "dropped_3_tools" into a
// bounded label set.
func normalizeAction(action string) string {
	for _, digit := range action {
		if digit >= '0' && digit <= '9' {
			switch {
			case strings.HasSuffix(action, "_tools"):
				return "dropped_tools"
			case strings.HasSuffix(action, "_messages"):
				return "dropped_messages"
			}
			break
		}
	}
	return action
}

// Action is the tool invocation a proposal asks for.
type Action struct {
	ToolName string          `json:"tool_name"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
}

// Proposal is the model's answer. A nil *Proposal means the model declined
// to propose anything, which is a valid outcome, not an error.
type Proposal struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Generator produces at most one proposal for a prompt context.
type Generator interface {
	Generate(ctx context.Context, req budget.Input) (*Proposal, error)
}

// ErrProviderUnavailable wraps circuit-open rejections so callers can tell
// a tripped breaker from a provider error.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

const defaultTimeout = 30 * time.Second

// BudgetedGenerator wraps a raw provider with token budgeting, a circuit
// breaker, and a per-call deadline.
type BudgetedGenerator struct {
	provider Generator
	budget   *budget.Manager
	breaker  *circuitbreaker.CircuitBreaker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewBudgetedGenerator builds the wrapper. A zero timeout falls back to 30s.
func NewBudgetedGenerator(provider Generator, mgr *budget.Manager, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration, logger *slog.Logger) *BudgetedGenerator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetedGenerator{
		provider: provider,
		budget:   mgr,
		breaker:  breaker,
		timeout:  timeout,
		logger:   logger,
	}
}

// Generate trims the request to budget, then calls the provider under the
// breaker with a hard deadline.
func (g *BudgetedGenerator) Generate(ctx context.Context, req budget.Input) (*Proposal, error) {
	trimmed := g.budget.ApplyBudgetCaps(req)
	if len(trimmed.ActionsTaken) > 0 {
		g.logger.Info("prompt trimmed to budget",
			"actions", trimmed.ActionsTaken,
			"total_tokens", trimmed.Report.Total)
		for _, action := range trimmed.ActionsTaken {
			metrics.BudgetActions.WithLabelValues(normalizeAction(action)).Inc()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.breaker.ExecuteContext(callCtx, func(ctx context.Context) (interface{}, error) {
		return g.provider.Generate(ctx, budget.Input{
			SystemPrompt:        trimmed.SystemPrompt,
			Messages:            trimmed.Messages,
			Tools:               trimmed.Tools,
			MemoryText:          trimmed.MemoryText,
			ToolResultSummaries: trimmed.ToolResultSummaries,
			ForcedTool:          req.ForcedTool,
		})
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	proposal, ok := result.(*Proposal)
	if !ok {
		return nil, fmt.Errorf("provider returned unexpected type %T", result)
	}
	return proposal, nil
}
