package care

import "strings"

// Phrase lists consumed by the escalation detector. All entries are
// case-folded, whitespace-collapsed lowercase strings; NormalizeText puts
// inbound text into the same form before matching.
//
// Tenant-specific terminology dictionaries are an external concern; these
// lists are the built-in baseline.

// ObjectionPhrases signal an explicit customer objection.
var ObjectionPhrases = []string{
	"not interested",
	"stop calling",
	"stop contacting",
	"don't call me",
	"do not call",
	"leave me alone",
	"unsubscribe",
	"remove me from your list",
	"no thanks",
	"we went with someone else",
	"we chose another",
	"already have a provider",
	"this is harassment",
	"waste of my time",
	"too expensive for us",
	"not a good fit",
	"not right now",
	"maybe next year",
	"we have no budget",
}

// PricingContractPhrases signal pricing or contract negotiation territory.
var PricingContractPhrases = []string{
	"discount",
	"price match",
	"lower price",
	"better price",
	"cheaper",
	"contract terms",
	"payment terms",
	"renewal terms",
	"cancel the contract",
	"cancel my contract",
	"refund",
	"money back",
	"invoice dispute",
	"billing issue",
	"final offer",
	"best offer",
	"negotiate",
	"quote",
	"pricing",
}

// ComplianceSensitivePhrases must always route to a human.
var ComplianceSensitivePhrases = []string{
	"gdpr",
	"data deletion",
	"delete my data",
	"right to be forgotten",
	"lawyer",
	"attorney",
	"legal action",
	"lawsuit",
	"sue you",
	"regulator",
	"compliance",
	"data breach",
	"privacy violation",
	"personal data request",
	"subject access request",
}

// HighRiskAmbiguousPhrases are checked only when none of the specific
// categories matched; they yield the unknown_high_risk reason.
var HighRiskAmbiguousPhrases = []string{
	"urgent",
	"asap",
	"immediately",
	"escalate",
	"speak to a manager",
	"speak to your manager",
	"supervisor",
	"complaint",
	"unacceptable",
	"disappointed",
	"frustrated",
	"last chance",
	"or else",
}

// NegativeSentimentWords back the lexical sentiment fallback.
var NegativeSentimentWords = []string{
	"angry", "furious", "terrible", "awful", "horrible", "worst",
	"useless", "disappointed", "frustrated", "annoyed", "upset",
	"unhappy", "dissatisfied", "ridiculous", "pathetic",
}

// NormalizeText lowercases, trims, and collapses whitespace runs to a
// single space. Non-string input upstream maps to the empty string.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// PhraseMatch is the result of matching a text against one phrase list.
type PhraseMatch struct {
	Matched bool
	Matches []string // matched phrases, in list order
}

// ContainsAnyPhrase matches normalized substring containment of every
// phrase in the list against the normalized text. The returned matches
// preserve list order.
func ContainsAnyPhrase(text string, phrases []string) PhraseMatch {
	norm := NormalizeText(text)
	if norm == "" {
		return PhraseMatch{}
	}

	var out PhraseMatch
	for _, p := range phrases {
		if strings.Contains(norm, p) {
			out.Matched = true
			out.Matches = append(out.Matches, p)
		}
	}
	return out
}
