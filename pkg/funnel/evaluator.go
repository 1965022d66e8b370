package funnel

import (
	"strings"
	"unicode"

	"proactive-outreach-engine/pkg/models"
)

// DecisionKind is the outcome of evaluating a reply or callback against a step.
type DecisionKind string

const (
	DecisionAbandon     DecisionKind = "abandon"
	DecisionPassThrough DecisionKind = "pass_through"
	DecisionAdvance     DecisionKind = "advance"
	DecisionStay        DecisionKind = "stay"
)

// Decision is what the orchestrator should do next.
type Decision struct {
	Kind      DecisionKind
	NextIndex int
	Reason    string
}

// DeclineActions are callback actions that always abandon the funnel.
var DeclineActions = []string{"later", "skip", "dismiss"}

// EvaluateReply decides how a step reacts to free text. Keywords match on
// whole words (or whole word sequences) of the normalized reply, so "no" does
// not fire inside "Noida".
func EvaluateReply(step models.FunnelStep, reply string) Decision {
	normalized := normalize(reply)

	for _, kw := range GlobalAbandonKeywords {
		if containsPhrase(normalized, kw) {
			return Decision{Kind: DecisionAbandon, Reason: "global:" + kw}
		}
	}
	for _, kw := range step.AbandonKeywords {
		if containsPhrase(normalized, kw) {
			return Decision{Kind: DecisionAbandon, Reason: "step:" + kw}
		}
	}
	if step.PassThrough {
		return Decision{Kind: DecisionPassThrough, Reason: "pass_through"}
	}
	for _, kw := range step.AdvanceKeywords {
		if containsPhrase(normalized, kw) {
			return Decision{Kind: DecisionAdvance, NextIndex: step.AdvanceTo, Reason: "keyword:" + kw}
		}
	}
	if step.AnyReplyAdvances && strings.TrimSpace(normalized) != "" {
		return Decision{Kind: DecisionAdvance, NextIndex: step.AdvanceTo, Reason: "any_reply"}
	}
	return Decision{Kind: DecisionStay, Reason: "no_match"}
}

// EvaluateCallback decides how a step reacts to a tapped choice action.
func EvaluateCallback(step models.FunnelStep, action string) Decision {
	action = strings.ToLower(strings.TrimSpace(action))
	for _, decline := range DeclineActions {
		if action == decline {
			return Decision{Kind: DecisionAbandon, Reason: "decline:" + action}
		}
	}
	if next, ok := step.Next[action]; ok {
		return Decision{Kind: DecisionAdvance, NextIndex: next, Reason: "action:" + action}
	}
	return Decision{Kind: DecisionStay, Reason: "unknown_action"}
}

// normalize lowercases text, replaces punctuation with spaces and pads the
// result with single spaces so phrases can be matched on word boundaries.
func normalize(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return " " + strings.Join(fields, " ") + " "
}

func containsPhrase(normalized, phrase string) bool {
	p := strings.TrimSpace(normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(normalized, " "+p+" ")
}
