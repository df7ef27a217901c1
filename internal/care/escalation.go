package care

// Escalation detection: a pure two-phase classifier over one inbound signal.
// Phase 1 collects typed reasons from the phrase lexicons and sentiment;
// phase 2 derives a confidence bucket. The phase order is contractual —
// confidence rules read the full reason set.

// Channel identifies where a signal arrived from.
type Channel string

const (
	ChannelCall  Channel = "call"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
	ChannelOther Channel = "other"
)

// ActionOrigin distinguishes user-directed actions from autonomous ones.
type ActionOrigin string

const (
	OriginUserDirected   ActionOrigin = "user_directed"
	OriginCareAutonomous ActionOrigin = "care_autonomous"
)

// Sentiment carries either a label ("positive", "neutral", "negative"),
// a numeric score, or both. A nil pointer means no sentiment signal.
type Sentiment struct {
	Label string
	Score *float64
}

// negativeScoreThreshold: scores strictly below this count as negative.
// Exactly -0.3 does not.
const negativeScoreThreshold = -0.3

// Negative reports whether the sentiment counts as negative.
func (s *Sentiment) Negative() bool {
	if s == nil {
		return false
	}
	if s.Label == "negative" {
		return true
	}
	return s.Score != nil && *s.Score < negativeScoreThreshold
}

// SignalInput is the escalation detector's input. All fields are optional.
type SignalInput struct {
	Text         string
	Sentiment    *Sentiment
	Channel      Channel
	ActionOrigin ActionOrigin
	Meta         map[string]interface{}
}

// DetectEscalation classifies one signal into an EscalationResult.
// A nil input is malformed and escalates at low confidence rather than
// silently passing.
func DetectEscalation(input *SignalInput) EscalationResult {
	if input == nil {
		return EscalationResult{
			Escalate:   true,
			Reasons:    []EscalationReason{ReasonUnknownHighRisk},
			Confidence: ConfidenceLow,
			Meta:       map[string]interface{}{"error": "malformed_input"},
		}
	}

	var (
		reasons        []EscalationReason
		matchedPhrases []string
		pricingMatches int
	)

	// Phase 1 — collect reasons.
	objection := ContainsAnyPhrase(input.Text, ObjectionPhrases)
	if objection.Matched {
		reasons = append(reasons, ReasonObjection)
		matchedPhrases = append(matchedPhrases, objection.Matches...)
	}

	pricing := ContainsAnyPhrase(input.Text, PricingContractPhrases)
	if pricing.Matched {
		reasons = append(reasons, ReasonPricingOrContract)
		matchedPhrases = append(matchedPhrases, pricing.Matches...)
		pricingMatches = len(pricing.Matches)
	}

	compliance := ContainsAnyPhrase(input.Text, ComplianceSensitivePhrases)
	if compliance.Matched {
		reasons = append(reasons, ReasonComplianceSensitive)
		matchedPhrases = append(matchedPhrases, compliance.Matches...)
	}

	// The ambiguous list only fires when no specific category did.
	if !objection.Matched && !pricing.Matched && !compliance.Matched {
		if ambiguous := ContainsAnyPhrase(input.Text, HighRiskAmbiguousPhrases); ambiguous.Matched {
			reasons = append(reasons, ReasonUnknownHighRisk)
			matchedPhrases = append(matchedPhrases, ambiguous.Matches...)
		}
	}

	if input.Sentiment.Negative() {
		reasons = append(reasons, ReasonNegativeSentiment)
	}

	// Phase 2 — confidence.
	confidence := classifyConfidence(reasons, pricingMatches)

	meta := map[string]interface{}{
		"match_count": len(matchedPhrases),
	}
	if len(matchedPhrases) > 0 {
		meta["matched_phrases"] = matchedPhrases
	}
	if input.Channel != "" {
		meta["channel"] = string(input.Channel)
	}
	if input.ActionOrigin != "" {
		// Recorded for audit only; origin never gates escalation here.
		meta["action_origin"] = string(input.ActionOrigin)
	}
	for k, v := range input.Meta {
		meta[k] = v
	}

	return EscalationResult{
		Escalate:   len(reasons) > 0,
		Reasons:    reasons,
		Confidence: confidence,
		Meta:       meta,
	}
}

func classifyConfidence(reasons []EscalationReason, pricingMatches int) Confidence {
	has := func(want EscalationReason) bool {
		for _, r := range reasons {
			if r == want {
				return true
			}
		}
		return false
	}

	switch {
	case len(reasons) == 0:
		return ConfidenceHigh
	case has(ReasonObjection) || has(ReasonComplianceSensitive):
		return ConfidenceHigh
	case len(reasons) == 1 && has(ReasonUnknownHighRisk):
		return ConfidenceLow
	case has(ReasonPricingOrContract) && pricingMatches > 2:
		return ConfidenceHigh
	case len(reasons) == 1 && has(ReasonPricingOrContract):
		return ConfidenceMedium
	case len(reasons) == 1 && has(ReasonNegativeSentiment):
		return ConfidenceMedium
	default:
		// Combinations of pricing, sentiment, and ambiguous signals.
		return ConfidenceMedium
	}
}
