// Package funnel builds outreach scripts from topic intents and decides how a
// script reacts to replies and button taps.
package funnel

import (
	"fmt"
	"strings"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/models"
	"proactive-outreach-engine/pkg/signals"
)

type hookKey struct {
	category string
	phase    models.TopicPhase
}

const genericCategory = "general"

var hookTemplates = map[hookKey]string{
	{"food", models.PhaseProbing}:           "Still thinking about %s? I spotted a few places worth a look.",
	{"food", models.PhaseShifting}:          "You were after %s earlier. Want me to pull up the best deals right now?",
	{"travel", models.PhaseProbing}:         "Been daydreaming about %s? I can dig up some options.",
	{"travel", models.PhaseShifting}:        "Ready to lock in %s? Prices move fast, I can check them now.",
	{"shopping", models.PhaseProbing}:       "Still eyeing %s? I can keep tabs on it for you.",
	{"shopping", models.PhaseShifting}:      "Looks like you're close on %s. Want me to compare prices?",
	{"entertainment", models.PhaseProbing}:  "Curious about %s? I know a few things about it.",
	{"entertainment", models.PhaseShifting}: "Want me to sort out %s for you?",
	{genericCategory, models.PhaseProbing}:  "You mentioned %s a while back. Want to pick that up again?",
	{genericCategory, models.PhaseShifting}: "Want me to help you move ahead with %s?",
}

type actionRule struct {
	action   string
	label    string
	keywords []string
}

// Evaluated in order; the first rule with a keyword in the topic wins.
var actionRules = []actionRule{
	{"food_delivery_search", "food delivery search", []string{"biryani", "pizza", "burger", "sushi", "food", "restaurant", "dinner", "lunch", "order", "delivery"}},
	{"travel_search", "travel search", []string{"flight", "flights", "trip", "hotel", "travel", "train", "vacation", "holiday"}},
	{"price_compare", "price comparison", []string{"price", "prices", "compare", "deal", "deals", "discount", "buy", "cheap"}},
	{"event_tickets", "ticket search", []string{"movie", "concert", "show", "ticket", "tickets", "match", "gig"}},
}

// GlobalAbandonKeywords abandon any step.
var GlobalAbandonKeywords = []string{"stop", "not interested", "no thanks", "leave me alone", "unsubscribe", "go away"}

var positiveKeywords = []string{"yes", "yeah", "yep", "sure", "ok", "okay", "go", "please", "do it", "check", "tell me"}

// Generate builds the funnel definition for a topic, or nil when the topic is
// not in an eligible phase. Output depends only on the topic value.
func Generate(topic models.TopicIntent) *models.FunnelDefinition {
	if !topic.Phase.FunnelEligible() {
		return nil
	}
	subject := strings.TrimSpace(topic.Topic)
	if subject == "" {
		return nil
	}
	category := normalizeCategory(topic.Category)

	template, ok := hookTemplates[hookKey{category, topic.Phase}]
	if !ok {
		template = hookTemplates[hookKey{genericCategory, topic.Phase}]
	}

	advanceLabel, cooldown := "yeah tell me more", constants.ProbingCooldownMinutes
	if topic.Phase == models.PhaseShifting {
		advanceLabel, cooldown = "yeah check it", constants.ShiftingCooldownMinutes
	}

	rule, hasAction := resolveAction(subject)
	keywords := signals.Tokens(subject)

	def := &models.FunnelDefinition{
		Key:                topic.FunnelKey(),
		Category:           category,
		Hashtag:            "#" + strings.ReplaceAll(category, " ", ""),
		MinPulseState:      models.PulseEngaged,
		CooldownMinutes:    cooldown,
		PreferenceKeywords: keywords,
		GoalKeywords:       append(append([]string{}, keywords...), category),
	}

	def.Steps = append(def.Steps, models.FunnelStep{
		ID:   "hook",
		Text: fmt.Sprintf(template, subject),
		Choices: []models.Choice{
			{Label: advanceLabel, Action: "yes"},
			{Label: "not now", Action: "later"},
		},
		Next:            map[string]int{"yes": 1},
		AdvanceKeywords: append([]string(nil), positiveKeywords...),
		AdvanceTo:       1,
		AbandonKeywords: []string{"not now", "maybe later", "nah", "nope", "no"},
	})

	def.Steps = append(def.Steps, models.FunnelStep{
		ID:   "qualify",
		Text: fmt.Sprintf("Nice. Anything I should keep in mind for %s, like budget, area or timing?", subject),
		Choices: []models.Choice{
			{Label: "just go for it", Action: "go"},
			{Label: "skip", Action: "skip"},
		},
		Next:             map[string]int{"go": 2},
		AnyReplyAdvances: true,
		AdvanceTo:        2,
	})

	if hasAction {
		def.Action = rule.action
		def.Steps = append(def.Steps, models.FunnelStep{
			ID:          "handoff",
			Text:        fmt.Sprintf("Got it. Starting a %s for %s. Tell me anything else and I'll factor it in.", rule.label, subject),
			PassThrough: true,
			AdvanceTo:   3,
		})
	} else {
		def.Steps = append(def.Steps, models.FunnelStep{
			ID:   "close",
			Text: fmt.Sprintf("Noted. I'll keep %s on my radar and ping you if something good turns up.", subject),
			Choices: []models.Choice{
				{Label: "thanks", Action: "done"},
			},
			Next:             map[string]int{"done": 3},
			AnyReplyAdvances: true,
			AdvanceTo:        3,
		})
	}
	return def
}

func resolveAction(subject string) (actionRule, bool) {
	tokens := signals.Tokens(subject)
	for _, rule := range actionRules {
		for _, kw := range rule.keywords {
			for _, tok := range tokens {
				if tok == kw {
					return rule, true
				}
			}
		}
	}
	return actionRule{}, false
}

func normalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return genericCategory
	}
	return c
}
