package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"proactive-outreach-engine/pkg/models"
)

var baseTime = time.Date(2026, 5, 10, 18, 30, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := baseTime.Add(-d)
	return &t
}

func TestExtract_StressedFoodScenario(t *testing.T) {
	v := Extract(Input{
		Message:             "Urgent, can you compare biryani deals please?",
		Now:                 baseTime,
		PreviousMessageAt:   ago(30 * time.Second),
		PreviousUserMessage: "compare biryani prices in indiranagar",
		Classifier:          models.MoodStressed,
	})

	assert.ElementsMatch(t,
		[]string{"urgency", "desire", "fast_reply", "topic_persistence", "classifier_stressed"},
		v.Matched)
	assert.Greater(t, v.ScoreDelta, 25)
	assert.Equal(t, 45, v.ScoreDelta)
	assert.Equal(t, 0, v.Rejection)
}

func TestExtract_Rejection(t *testing.T) {
	v := Extract(Input{Message: "nah, not interested", Now: baseTime})

	assert.Equal(t, []string{"rejection"}, v.Matched)
	assert.Equal(t, -18, v.ScoreDelta)
}

func TestExtract_FastReplyWindow(t *testing.T) {
	tests := []struct {
		name string
		prev *time.Time
		want int
	}{
		{"no previous", nil, 0},
		{"within window", ago(90 * time.Second), 8},
		{"too slow", ago(91 * time.Second), 0},
		{"zero gap", ago(0), 0},
		{"clock skew", ago(-5 * time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Extract(Input{Message: "hmm", Now: baseTime, PreviousMessageAt: tt.prev})
			assert.Equal(t, tt.want, v.FastReply)
		})
	}
}

func TestExtract_TopicPersistenceNeedsTwoContentTokens(t *testing.T) {
	one := Extract(Input{Message: "what about pizza", Now: baseTime, PreviousUserMessage: "pizza is the best"})
	assert.Zero(t, one.TopicPersistence)

	two := Extract(Input{Message: "Pizza! Best deals?", Now: baseTime, PreviousUserMessage: "best pizza places"})
	assert.Equal(t, 7, two.TopicPersistence)
}

func TestExtract_ClassifierTags(t *testing.T) {
	tests := []struct {
		tag   models.MoodTag
		want  int
		match bool
	}{
		{models.MoodStressed, 6, true},
		{models.MoodRoasting, 4, true},
		{models.MoodDry, -4, true},
		{models.MoodNormal, 0, false},
		{"", 0, false},
		{"ecstatic", 0, false},
		{"STRESSED", 6, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			v := Extract(Input{Message: "ok", Now: baseTime, Classifier: tt.tag})
			assert.Equal(t, tt.want, v.ClassifierSignal)
			assert.Equal(t, tt.match, len(v.Matched) == 1)
		})
	}
}

func TestExtract_IsDeterministic(t *testing.T) {
	in := Input{
		Message:             "I want sushi tonight",
		Now:                 baseTime,
		PreviousMessageAt:   ago(time.Minute),
		PreviousUserMessage: "sushi tonight maybe",
		Classifier:          models.MoodRoasting,
	}
	assert.Equal(t, Extract(in), Extract(in))
}

func TestTokens(t *testing.T) {
	assert.Equal(t,
		[]string{"compare", "biryani", "prices", "indiranagar"},
		Tokens("Compare BIRYANI prices, in Indiranagar... compare!"))
	assert.Empty(t, Tokens("a, I, the"))
}

func TestTopicKey(t *testing.T) {
	assert.Equal(t, "cheap_flights_goa", TopicKey("cheap flights to goa next weekend"))
	assert.Equal(t, "", TopicKey("ok"))
}
