// Package budget bounds what the orchestrator is willing to send to an
// LLM provider. Token counts are estimated (≈ 4 chars per token); the
// manager trims prompt components in a fixed priority order until the
// request fits under the hard ceiling.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Caps are the component budgets, env-overridable within bounds.
type Caps struct {
	HardCeiling  int
	SystemPrompt int
	ToolSchema   int
	Memory       int
	ToolResult   int
	OutputMax    int
}

// DefaultCaps returns the built-in budgets.
func DefaultCaps() Caps {
	return Caps{
		HardCeiling:  6000,
		SystemPrompt: 2000,
		ToolSchema:   1000,
		Memory:       400,
		ToolResult:   700,
		OutputMax:    350,
	}
}

// CapsFromEnv reads the AI_TOKEN_* keys, clamping each value into its
// allowed band so a typo cannot disable budgeting.
func CapsFromEnv() Caps {
	caps := DefaultCaps()
	caps.HardCeiling = envBounded("AI_TOKEN_HARD_CEILING", caps.HardCeiling, 4000, 8000)
	caps.SystemPrompt = envBounded("AI_TOKEN_SYSTEM_PROMPT_CAP", caps.SystemPrompt, 1200, 2500)
	caps.ToolSchema = envBounded("AI_TOKEN_TOOL_SCHEMA_CAP", caps.ToolSchema, 800, 1200)
	caps.Memory = envBounded("AI_TOKEN_MEMORY_CAP", caps.Memory, 250, 500)
	caps.ToolResult = envBounded("AI_TOKEN_TOOL_RESULT_CAP", caps.ToolResult, 100, 700)
	caps.OutputMax = envBounded("AI_TOKEN_OUTPUT_MAX", caps.OutputMax, 100, 350)
	return caps
}

func envBounded(key string, def, lo, hi int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Message is one chat turn.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall carries serialized tool-call arguments inside a message.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is one schema entry offered to the provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// perMessageOverhead approximates the role/framing tokens each chat turn
// costs beyond its content.
const perMessageOverhead = 4

// EstimateTokens approximates the token count of a string: ⌈chars/4⌉.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// EstimateMessagesTokens sums message content, per-message overhead, and
// serialized tool-call arguments.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead + EstimateTokens(m.Role) + EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name) + EstimateTokens(tc.Arguments)
		}
	}
	return total
}

// EstimateToolsTokens sums the JSON-serialized schema size of each tool.
func EstimateToolsTokens(tools []Tool) int {
	total := 0
	for _, t := range tools {
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		total += EstimateTokens(string(raw))
	}
	return total
}

func estimateToolResultTokens(summaries []string) int {
	total := 0
	for _, s := range summaries {
		total += EstimateTokens(s)
	}
	return total
}

// Report breaks down a request's estimated cost against the caps.
type Report struct {
	SystemPromptTokens int  `json:"system_prompt_tokens"`
	MessagesTokens     int  `json:"messages_tokens"`
	ToolsTokens        int  `json:"tools_tokens"`
	MemoryTokens       int  `json:"memory_tokens"`
	ToolResultTokens   int  `json:"tool_result_tokens"`
	Total              int  `json:"total"`
	HardCeiling        int  `json:"hard_ceiling"`
	OverBudget         bool `json:"over_budget"`
}

// Input is everything that would be sent to the provider.
type Input struct {
	SystemPrompt        string
	Messages            []Message
	Tools               []Tool
	MemoryText          string
	ToolResultSummaries []string
	ForcedTool          string
}

// Output is the trimmed request plus the ordered trim actions taken.
type Output struct {
	SystemPrompt        string
	Messages            []Message
	Tools               []Tool
	MemoryText          string
	ToolResultSummaries []string
	ActionsTaken        []string
	Report              Report
}

// Manager applies the caps. CoreTools are never dropped, alongside any
// per-call forced tool.
type Manager struct {
	caps      Caps
	coreTools map[string]bool
}

// NewManager builds a manager with the given caps and protected core tools.
func NewManager(caps Caps, coreTools []string) *Manager {
	core := make(map[string]bool, len(coreTools))
	for _, name := range coreTools {
		core[name] = true
	}
	return &Manager{caps: caps, coreTools: core}
}

// Caps returns the manager's configured budgets.
func (m *Manager) Caps() Caps { return m.caps }

// BuildBudgetReport computes component sizes and the over-budget flag.
func (m *Manager) BuildBudgetReport(in Input) Report {
	r := Report{
		SystemPromptTokens: EstimateTokens(in.SystemPrompt),
		MessagesTokens:     EstimateMessagesTokens(in.Messages),
		ToolsTokens:        EstimateToolsTokens(in.Tools),
		MemoryTokens:       EstimateTokens(in.MemoryText),
		ToolResultTokens:   estimateToolResultTokens(in.ToolResultSummaries),
		HardCeiling:        m.caps.HardCeiling,
	}
	r.Total = r.SystemPromptTokens + r.MessagesTokens + r.ToolsTokens +
		r.MemoryTokens + r.ToolResultTokens
	r.OverBudget = r.Total > m.caps.HardCeiling
	return r
}

// ApplyBudgetCaps trims the input until it fits under the hard ceiling.
// Drop order: memory, tool-result summaries, tools (never forced or core),
// oldest non-last-user messages. The system prompt is truncated, never
// removed; the last user message always survives.
func (m *Manager) ApplyBudgetCaps(in Input) Output {
	out := Output{
		SystemPrompt:        in.SystemPrompt,
		Messages:            append([]Message(nil), in.Messages...),
		Tools:               append([]Tool(nil), in.Tools...),
		MemoryText:          in.MemoryText,
		ToolResultSummaries: append([]string(nil), in.ToolResultSummaries...),
	}

	// Component caps first.
	if EstimateTokens(out.SystemPrompt) > m.caps.SystemPrompt {
		out.SystemPrompt = truncateToTokens(out.SystemPrompt, m.caps.SystemPrompt)
		out.ActionsTaken = append(out.ActionsTaken, "truncated_system_prompt")
	}
	if EstimateTokens(out.MemoryText) > m.caps.Memory {
		out.MemoryText = truncateToTokens(out.MemoryText, m.caps.Memory)
		out.ActionsTaken = append(out.ActionsTaken, "truncated_memory")
	}
	if estimateToolResultTokens(out.ToolResultSummaries) > m.caps.ToolResult {
		out.ToolResultSummaries = capToolResults(out.ToolResultSummaries, m.caps.ToolResult)
		out.ActionsTaken = append(out.ActionsTaken, "truncated_tool_results")
	}
	if EstimateToolsTokens(out.Tools) > m.caps.ToolSchema {
		kept := m.EnforceToolSchemaCap(out.Tools, m.caps.ToolSchema, in.ForcedTool)
		if dropped := len(out.Tools) - len(kept); dropped > 0 {
			out.ActionsTaken = append(out.ActionsTaken, fmt.Sprintf("dropped_%d_tools", dropped))
		}
		out.Tools = kept
	}

	total := func() int {
		return EstimateTokens(out.SystemPrompt) + EstimateMessagesTokens(out.Messages) +
			EstimateToolsTokens(out.Tools) + EstimateTokens(out.MemoryText) +
			estimateToolResultTokens(out.ToolResultSummaries)
	}

	// Hard ceiling, in priority order.
	if total() > m.caps.HardCeiling && out.MemoryText != "" {
		out.MemoryText = ""
		out.ActionsTaken = append(out.ActionsTaken, "cleared_memory")
	}
	if total() > m.caps.HardCeiling && len(out.ToolResultSummaries) > 0 {
		out.ToolResultSummaries = nil
		out.ActionsTaken = append(out.ActionsTaken, "dropped_tool_results")
	}
	if total() > m.caps.HardCeiling {
		protected := func(name string) bool {
			return name == in.ForcedTool || m.coreTools[name]
		}
		dropped := 0
		// Drop from the end so earlier (higher-priority) tools survive.
		for i := len(out.Tools) - 1; i >= 0 && total() > m.caps.HardCeiling; i-- {
			if protected(out.Tools[i].Name) {
				continue
			}
			out.Tools = append(out.Tools[:i], out.Tools[i+1:]...)
			dropped++
		}
		if dropped > 0 {
			out.ActionsTaken = append(out.ActionsTaken, fmt.Sprintf("dropped_%d_tools", dropped))
		}
	}
	if total() > m.caps.HardCeiling {
		trimmed, dropped := dropOldestMessages(out.Messages, func(msgs []Message) bool {
			return EstimateTokens(out.SystemPrompt)+EstimateMessagesTokens(msgs)+
				EstimateToolsTokens(out.Tools) <= m.caps.HardCeiling
		})
		if dropped > 0 {
			out.Messages = trimmed
			out.ActionsTaken = append(out.ActionsTaken, fmt.Sprintf("dropped_%d_messages", dropped))
		}
	}
	// Last resort: shave the system prompt further. It is truncated, never
	// removed entirely.
	if over := total() - m.caps.HardCeiling; over > 0 {
		target := EstimateTokens(out.SystemPrompt) - over
		if target < 50 {
			target = 50
		}
		out.SystemPrompt = truncateToTokens(out.SystemPrompt, target)
		out.ActionsTaken = append(out.ActionsTaken, "truncated_system_prompt_to_fit")
	}

	out.Report = m.BuildBudgetReport(Input{
		SystemPrompt:        out.SystemPrompt,
		Messages:            out.Messages,
		Tools:               out.Tools,
		MemoryText:          out.MemoryText,
		ToolResultSummaries: out.ToolResultSummaries,
	})
	return out
}

// EnforceToolSchemaCap admits tools greedily in order by serialized token
// size up to the cap. The forced tool is always admitted first.
func (m *Manager) EnforceToolSchemaCap(tools []Tool, limit int, forcedTool string) []Tool {
	var kept []Tool
	used := 0

	if forcedTool != "" {
		for _, t := range tools {
			if t.Name == forcedTool {
				kept = append(kept, t)
				used += EstimateToolsTokens([]Tool{t})
				break
			}
		}
	}
	for _, t := range tools {
		if t.Name == forcedTool {
			continue
		}
		size := EstimateToolsTokens([]Tool{t})
		if used+size > limit && !m.coreTools[t.Name] {
			continue
		}
		kept = append(kept, t)
		used += size
	}
	return kept
}

// dropOldestMessages removes messages from the front, preserving the last
// user message, until fits reports true or nothing droppable remains.
func dropOldestMessages(messages []Message, fits func([]Message) bool) ([]Message, int) {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	keep := make([]bool, len(messages))
	for i := range keep {
		keep[i] = true
	}
	current := func() []Message {
		out := make([]Message, 0, len(messages))
		for i, m := range messages {
			if keep[i] {
				out = append(out, m)
			}
		}
		return out
	}

	dropped := 0
	for i := 0; i < len(messages) && !fits(current()); i++ {
		if i == lastUser {
			continue
		}
		keep[i] = false
		dropped++
	}
	return current(), dropped
}

// truncateToTokens cuts a string to approximately maxTokens worth of
// characters.
func truncateToTokens(s string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	if maxChars < 0 {
		maxChars = 0
	}
	return s[:maxChars]
}

// capToolResults keeps whole summaries from the front until the cap is
// reached, truncating the summary that crosses it.
func capToolResults(summaries []string, limit int) []string {
	var out []string
	used := 0
	for _, s := range summaries {
		size := EstimateTokens(s)
		if used+size <= limit {
			out = append(out, s)
			used += size
			continue
		}
		remaining := limit - used
		if remaining > 0 {
			out = append(out, truncateToTokens(s, remaining))
		}
		break
	}
	return out
}
