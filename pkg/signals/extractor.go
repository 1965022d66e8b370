// Package signals turns a single user message into an engagement signal vector.
package signals

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/models"
)

// Input is everything the extractor looks at for one message.
type Input struct {
	Message             string
	Now                 time.Time
	PreviousMessageAt   *time.Time
	PreviousUserMessage string
	Classifier          models.MoodTag
}

type phraseFamily struct {
	name    string
	pattern *regexp.Regexp
	weight  int
	apply   func(v *models.SignalVector, weight int)
}

// Families are evaluated in order and each contributes at most once.
var phraseFamilies = []phraseFamily{
	{
		name:    "urgency",
		pattern: regexp.MustCompile(`(?i)\b(urgent(ly)?|asap|right now|immediately|hurry|quick(ly)?|today|tonight|need it now)\b`),
		weight:  constants.UrgencyWeight,
		apply:   func(v *models.SignalVector, w int) { v.Urgency = w },
	},
	{
		name:    "desire",
		pattern: regexp.MustCompile(`(?i)\b(want|wanna|need|looking for|craving|can you|could you|would love|please|find me|show me|help me|compare)\b`),
		weight:  constants.DesireWeight,
		apply:   func(v *models.SignalVector, w int) { v.Desire = w },
	},
	{
		name:    "rejection",
		pattern: regexp.MustCompile(`(?i)\b(not interested|no thanks|nah|nope|stop( it)?|leave me alone|don'?t care|don'?t want|not now|unsubscribe)\b`),
		weight:  constants.RejectionWeight,
		apply:   func(v *models.SignalVector, w int) { v.Rejection = w },
	},
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an the and or but if then so to of in on at for from with by about as is are was were be been
		am it its this that these those i me my we our you your he she they them their what which who whom how when where why
		can could would should will shall do does did done have has had not no yes just also too very really please hey hi
		hello ok okay there here some any all more most much many up down out into over than again`) {
		stopwords[w] = struct{}{}
	}
}

// Extract computes the signal vector. It is pure and deterministic.
func Extract(in Input) models.SignalVector {
	v := models.SignalVector{Matched: []string{}}

	for _, family := range phraseFamilies {
		if family.pattern.MatchString(in.Message) {
			family.apply(&v, family.weight)
			v.Matched = append(v.Matched, family.name)
		}
	}

	if in.PreviousMessageAt != nil {
		gap := in.Now.Sub(*in.PreviousMessageAt)
		if gap > 0 && gap <= constants.FastReplyLimit {
			v.FastReply = constants.FastReplyWeight
			v.Matched = append(v.Matched, "fast_reply")
		}
	}

	if in.PreviousUserMessage != "" && overlap(Tokens(in.Message), Tokens(in.PreviousUserMessage)) >= constants.TopicOverlapMinimum {
		v.TopicPersistence = constants.TopicPersistenceWeight
		v.Matched = append(v.Matched, "topic_persistence")
	}

	tag := models.ParseMoodTag(string(in.Classifier))
	if weight := MoodWeight(tag); weight != 0 {
		v.ClassifierSignal = weight
		v.Matched = append(v.Matched, "classifier_"+string(tag))
	}

	v.ScoreDelta = v.Urgency + v.Desire + v.Rejection + v.FastReply + v.TopicPersistence + v.ClassifierSignal
	return v
}

// MoodWeight returns the classifier contribution. Raw tags outside the closed
// set parse to unknown, which weighs zero.
func MoodWeight(tag models.MoodTag) int {
	switch models.ParseMoodTag(string(tag)) {
	case models.MoodStressed:
		return constants.StressedWeight
	case models.MoodRoasting:
		return constants.RoastingWeight
	case models.MoodDry:
		return constants.DryWeight
	case models.MoodUnknown, models.MoodNormal:
		return 0
	}
	return 0
}

// Tokens returns the case-folded, punctuation-stripped, deduplicated
// non-stopword tokens of text in first-seen order.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// TopicKey derives a short key from the leading tokens of a message, or "" if
// the message carries no content tokens.
func TopicKey(text string) string {
	tokens := Tokens(text)
	if len(tokens) > 3 {
		tokens = tokens[:3]
	}
	return strings.Join(tokens, "_")
}

func overlap(a, b []string) int {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	n := 0
	for _, t := range a {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}
