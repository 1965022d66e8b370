package models

import (
	"fmt"
	"strings"
	"time"
)

// PulseState is the engagement level of a user. States are ordered.
type PulseState string

const (
	PulsePassive   PulseState = "PASSIVE"
	PulseCurious   PulseState = "CURIOUS"
	PulseEngaged   PulseState = "ENGAGED"
	PulseProactive PulseState = "PROACTIVE"
)

var pulseStateOrder = []PulseState{PulsePassive, PulseCurious, PulseEngaged, PulseProactive}

// Rank returns the position of the state on the ladder, or -1 for unknown values.
func (s PulseState) Rank() int {
	for i, state := range pulseStateOrder {
		if state == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s is the same as or above other on the ladder.
func (s PulseState) AtLeast(other PulseState) bool {
	return s.Rank() >= other.Rank()
}

// PulseStateAt returns the state at the given ladder rank, clamped to the ladder.
func PulseStateAt(rank int) PulseState {
	if rank < 0 {
		return PulsePassive
	}
	if rank >= len(pulseStateOrder) {
		return PulseProactive
	}
	return pulseStateOrder[rank]
}

// ParsePulseState parses a stored state, defaulting to PASSIVE.
func ParsePulseState(value string) PulseState {
	state := PulseState(strings.ToUpper(strings.TrimSpace(value)))
	if state.Rank() < 0 {
		return PulsePassive
	}
	return state
}

// MoodTag is the coarse mood supplied by the external classifier.
type MoodTag string

const (
	MoodUnknown  MoodTag = "unknown"
	MoodNormal   MoodTag = "normal"
	MoodDry      MoodTag = "dry"
	MoodStressed MoodTag = "stressed"
	MoodRoasting MoodTag = "roasting"
)

// ParseMoodTag maps a raw classifier tag onto the closed set. Empty input means
// the classifier was absent and maps to normal; anything unrecognised is unknown.
func ParseMoodTag(raw string) MoodTag {
	switch tag := MoodTag(strings.ToLower(strings.TrimSpace(raw))); tag {
	case "":
		return MoodNormal
	case MoodNormal, MoodDry, MoodStressed, MoodRoasting:
		return tag
	default:
		return MoodUnknown
	}
}

// SignalVector is the per-message engagement breakdown.
type SignalVector struct {
	Urgency          int      `json:"urgency"`
	Desire           int      `json:"desire"`
	Rejection        int      `json:"rejection"`
	FastReply        int      `json:"fast_reply"`
	TopicPersistence int      `json:"topic_persistence"`
	ClassifierSignal int      `json:"classifier_signal"`
	ScoreDelta       int      `json:"score_delta"`
	Matched          []string `json:"matched"`
}

// SignalHistoryEntry is one folded engagement event on a pulse record.
type SignalHistoryEntry struct {
	At      time.Time  `json:"at"`
	Score   int        `json:"score"`
	Delta   int        `json:"delta"`
	State   PulseState `json:"state"`
	Signals []string   `json:"signals"`
}

// PulseRecord is the durable engagement state of one user.
type PulseRecord struct {
	UserID        string               `json:"user_id"`
	Score         int                  `json:"score"`
	State         PulseState           `json:"state"`
	LastMessageAt time.Time            `json:"last_message_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	MessageCount  int                  `json:"message_count"`
	LastTopic     *string              `json:"last_topic,omitempty"`
	SignalHistory []SignalHistoryEntry `json:"signal_history"`
}

// NewPulseRecord returns the default record for a user with no history.
func NewPulseRecord(userID string) *PulseRecord {
	return &PulseRecord{
		UserID:        userID,
		State:         PulsePassive,
		SignalHistory: []SignalHistoryEntry{},
	}
}

// Clone returns a deep copy so cached records are never shared with callers.
func (r *PulseRecord) Clone() *PulseRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastTopic != nil {
		topic := *r.LastTopic
		out.LastTopic = &topic
	}
	out.SignalHistory = make([]SignalHistoryEntry, len(r.SignalHistory))
	for i, entry := range r.SignalHistory {
		entry.Signals = append([]string(nil), entry.Signals...)
		out.SignalHistory[i] = entry
	}
	return &out
}

// EngagementEvent is the input to a pulse update.
type EngagementEvent struct {
	UserID              string
	Message             string
	Now                 time.Time
	PreviousMessageAt   *time.Time
	PreviousUserMessage string
	Classifier          MoodTag
}

// TopicPhase is the lifecycle phase of a tracked topic.
type TopicPhase string

const (
	PhaseNoticed   TopicPhase = "noticed"
	PhaseProbing   TopicPhase = "probing"
	PhaseShifting  TopicPhase = "shifting"
	PhaseExecuting TopicPhase = "executing"
	PhaseCompleted TopicPhase = "completed"
	PhaseAbandoned TopicPhase = "abandoned"
)

// FunnelEligible reports whether topics in this phase may seed a funnel.
func (p TopicPhase) FunnelEligible() bool {
	return p == PhaseProbing || p == PhaseShifting
}

// TopicIntent is a tracked subject the user has shown interest in.
type TopicIntent struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	Topic        string     `json:"topic"`
	Category     string     `json:"category"`
	Confidence   int        `json:"confidence"`
	Phase        TopicPhase `json:"phase"`
	LastSignalAt time.Time  `json:"last_signal_at"`
}

// FunnelKey derives the funnel key for the topic.
func (t TopicIntent) FunnelKey() string {
	return fmt.Sprintf("topic-%d", t.ID)
}

// SessionActivity summarises recent chat volume for a user.
type SessionActivity struct {
	LastMessageAt time.Time
	Messages24h   int
}
