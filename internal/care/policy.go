package care

import "regexp"

// Policy gate: a pure classifier over (origin, action type, text) producing
// allowed / escalated / blocked. Hard prohibitions block regardless of
// origin; the remaining rules tighten with autonomy.

// PolicyResult is the gate verdict.
type PolicyResult string

const (
	PolicyAllowed   PolicyResult = "allowed"
	PolicyEscalated PolicyResult = "escalated"
	PolicyBlocked   PolicyResult = "blocked"
)

// ActionType enumerates what a proposed action would do.
type ActionType string

const (
	ActionMessage  ActionType = "message"
	ActionMeeting  ActionType = "meeting"
	ActionWorkflow ActionType = "workflow"
	ActionTask     ActionType = "task"
	ActionNote     ActionType = "note"
	ActionUpdate   ActionType = "update"
	ActionFollowUp ActionType = "follow_up"
)

// lowRiskActions are the only action types an autonomous origin may take
// without escalation.
var lowRiskActions = map[ActionType]bool{
	ActionNote:     true,
	ActionTask:     true,
	ActionFollowUp: true,
}

// Impersonation: a human-style signature line that is not explicitly
// marked as coming from an AI or the system. RE2 has no lookahead, so the
// AI marker is checked as a separate pattern in isImpersonation.
var (
	signaturePattern = regexp.MustCompile(`(?i)(best regards|sincerely|kind regards|yours truly),?\s+\S`)
	aiMarkerPattern  = regexp.MustCompile(`(?i)\b(ai|assistant|automated|system|bot)\b`)
)

func isImpersonation(text string) bool {
	return signaturePattern.MatchString(text) && !aiMarkerPattern.MatchString(text)
}

// hardProhibitions block unconditionally, regardless of origin.
var hardProhibitions = []*regexp.Regexp{
	// Binding commitments.
	regexp.MustCompile(`(?i)\bwe (guarantee|commit to|promise)\b`),
	regexp.MustCompile(`(?i)\b(legally binding|binding agreement|binding offer)\b`),
	// Explicit pricing offers and final-price negotiation.
	regexp.MustCompile(`(?i)\b(we can offer you|special price of|final price is)\b.*\$?\d`),
	regexp.MustCompile(`(?i)\b(lowest|final|best) price\b`),
	// Data-subject and legal-threat territory.
	regexp.MustCompile(`(?i)\b(gdpr|data deletion|right to be forgotten|delete (your|my) data)\b`),
	regexp.MustCompile(`(?i)\b(legal action|lawsuit|cease and desist|court order)\b`),
}

// autonomousProhibitions escalate text produced by the autonomous path.
var autonomousProhibitions = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(guarantee|guaranteed|100% certain|no risk)\b`),
	regexp.MustCompile(`(?i)\b(negotiate|negotiable|counter[- ]?offer|meet you halfway)\b`),
	regexp.MustCompile(`(?i)\b(act now|limited time|expires (today|soon)|last chance|urgent)\b`),
}

// userDirectedHighRisk escalates user-directed text into review territory.
var userDirectedHighRisk = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(contract|agreement|terms of service|msa|sow)\b`),
	regexp.MustCompile(`\$\s?\d{5,}`),
}

// PolicyInput is the gate's input.
type PolicyInput struct {
	ActionOrigin ActionOrigin
	ActionType   ActionType
	Text         string
	Meta         map[string]interface{}
}

// PolicyDecision is the gate's output.
type PolicyDecision struct {
	Result   PolicyResult `json:"policy_gate_result"`
	Escalate bool         `json:"escalate"`
	Reasons  []string     `json:"reasons"`
}

// EvaluatePolicy classifies one proposed action. Missing origin or action
// type blocks: an unidentifiable action must never run.
func EvaluatePolicy(input PolicyInput) PolicyDecision {
	if input.ActionOrigin == "" || input.ActionType == "" {
		return PolicyDecision{
			Result:  PolicyBlocked,
			Reasons: []string{"missing action_origin or proposed_action_type"},
		}
	}

	if input.Text != "" && isImpersonation(input.Text) {
		return PolicyDecision{
			Result:  PolicyBlocked,
			Reasons: []string{"hard prohibition: unmarked human-style signature"},
		}
	}
	if reason, hit := matchAny(input.Text, hardProhibitions); hit {
		return PolicyDecision{
			Result:  PolicyBlocked,
			Reasons: []string{"hard prohibition: " + reason},
		}
	}

	switch input.ActionOrigin {
	case OriginCareAutonomous:
		if reason, hit := matchAny(input.Text, autonomousProhibitions); hit {
			return escalated("autonomous prohibition: " + reason)
		}
		if !lowRiskActions[input.ActionType] {
			return escalated("action type " + string(input.ActionType) + " requires human review for autonomous origin")
		}
	case OriginUserDirected:
		if reason, hit := matchAny(input.Text, userDirectedHighRisk); hit {
			return escalated("high-risk content: " + reason)
		}
	default:
		return PolicyDecision{
			Result:  PolicyBlocked,
			Reasons: []string{"unknown action_origin: " + string(input.ActionOrigin)},
		}
	}

	return PolicyDecision{
		Result:  PolicyAllowed,
		Reasons: []string{"no policy rule matched"},
	}
}

func escalated(reason string) PolicyDecision {
	return PolicyDecision{
		Result:   PolicyEscalated,
		Escalate: true,
		Reasons:  []string{reason},
	}
}

func matchAny(text string, rules []*regexp.Regexp) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, re := range rules {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}
