// Package registry holds the catalog of CRM tools the orchestrator may
// propose. Tools are registered once at startup; lookups during suggestion
// generation go through a cached process-wide snapshot.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aisha/backend/internal/budget"
)

// RiskClass is the tool's risk classification.
type RiskClass string

const (
	RiskLow  RiskClass = "RISK_LOW"  // reversible, autonomously executable
	RiskHigh RiskClass = "RISK_HIGH" // outward-facing, needs approval
)

// Handler executes a tool with its decoded arguments.
type Handler func(ctx context.Context, tenantID string, args json.RawMessage) (any, error)

// ToolDescriptor is a registered tool.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	RiskClass    RiskClass       `json:"risk_class"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Core         bool            `json:"core"`
	Handler      Handler         `json:"-"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// UnknownToolError is returned when a suggestion names a tool that was
// never registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Registry maps tool names to descriptors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor

	snapOnce sync.Once
	snapshot []budget.Tool
}

// New creates a registry pre-loaded with the default CRM tools.
func New() *Registry {
	r := &Registry{tools: make(map[string]*ToolDescriptor)}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	defaults := []*ToolDescriptor{
		{
			Name:        "create_task",
			Description: "Create a follow-up task for the account owner",
			RiskClass:   RiskLow,
			Core:        true,
		},
		{
			Name:        "create_note",
			Description: "Attach an internal note to a CRM record",
			RiskClass:   RiskLow,
			Core:        true,
		},
		{
			Name:        "schedule_follow_up",
			Description: "Schedule a follow-up activity at a future date",
			RiskClass:   RiskLow,
			Core:        true,
		},
		{
			Name:        "draft_email",
			Description: "Draft an outbound email for human review",
			RiskClass:   RiskHigh,
		},
		{
			Name:        "update_opportunity",
			Description: "Update opportunity fields such as stage or close date",
			RiskClass:   RiskHigh,
		},
		{
			Name:        "flag_for_review",
			Description: "Flag a record for human review with a reason",
			RiskClass:   RiskLow,
			Core:        true,
		},
	}
	now := time.Now()
	for _, tool := range defaults {
		tool.RegisteredAt = now
		r.tools[tool.Name] = tool
	}
}

// Register adds or replaces a tool. Must happen before the snapshot is
// first taken.
func (r *Registry) Register(tool *ToolDescriptor) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.RiskClass != RiskLow && tool.RiskClass != RiskHigh {
		return fmt.Errorf("risk_class must be RISK_LOW or RISK_HIGH")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tool.RegisteredAt.IsZero() {
		tool.RegisteredAt = time.Now()
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get retrieves a descriptor by name, returning UnknownToolError when the
// name was never registered.
func (r *Registry) Get(name string) (*ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return tool, nil
}

// CoreToolNames lists the tools that budgeting must never drop.
func (r *Registry) CoreToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name, tool := range r.tools {
		if tool.Core {
			names = append(names, name)
		}
	}
	return names
}

// Snapshot returns the registry rendered as budget tools, computed once
// per process. Registrations after the first call are not reflected.
func (r *Registry) Snapshot() []budget.Tool {
	r.snapOnce.Do(func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		r.snapshot = make([]budget.Tool, 0, len(r.tools))
		// Core tools first so greedy schema capping favors them.
		for _, core := range []bool{true, false} {
			for _, tool := range r.tools {
				if tool.Core != core {
					continue
				}
				r.snapshot = append(r.snapshot, budget.Tool{
					Name:        tool.Name,
					Description: tool.Description,
					Schema:      tool.Schema,
				})
			}
		}
	})
	return r.snapshot
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
