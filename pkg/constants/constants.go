package constants

import "time"

// Pulse score bounds and ladder thresholds
const (
	MinScore = 0
	MaxScore = 100

	// CuriousThreshold - score needed to move PASSIVE -> CURIOUS
	CuriousThreshold = 25

	// EngagedThreshold - score needed to move CURIOUS -> ENGAGED
	EngagedThreshold = 50

	// ProactiveThreshold - score needed to move ENGAGED -> PROACTIVE
	ProactiveThreshold = 80

	// HysteresisBuffer - points below a state's entry threshold before it drops a rung
	HysteresisBuffer = 5

	// MaxSignalHistory - entries kept on a pulse record
	MaxSignalHistory = 10
)

// Pulse timing
const (
	DecayHalfLife  = 24 * time.Hour
	StaleAfter     = 30 * 24 * time.Hour
	FastReplyLimit = 90 * time.Second
)

// Signal weights
const (
	UrgencyWeight          = 14
	DesireWeight           = 10
	RejectionWeight        = -18
	FastReplyWeight        = 8
	TopicPersistenceWeight = 7
	TopicOverlapMinimum    = 2

	StressedWeight = 6
	RoastingWeight = 4
	DryWeight      = -4
)

// Intent selection
const (
	MinTopicConfidence    = 40
	TopicInactivityWindow = 4 * time.Hour
	CooldownLookback      = 24 * time.Hour
	ProactivePulseBonus   = 24
	EngagedPulseBonus     = 14
	RecentFunnelPenalty   = 4
	PreferenceMatchBonus  = 2
	GoalMatchBonus        = 3
	MinSelectionScore     = 12

	ProbingCooldownMinutes  = 360
	ShiftingCooldownMinutes = 180
)

// Funnel lifecycle defaults
const (
	DefaultIdleTimeoutMinutes   = 90
	DefaultSweepIntervalSeconds = 60

	// DefaultLeaderElectionTTLSeconds - Default leader election TTL in seconds
	DefaultLeaderElectionTTLSeconds = 10

	// DefaultLeaderElectionIntervalSeconds - Default leader election check interval
	DefaultLeaderElectionIntervalSeconds = 5

	DefaultEventBufferSize      = 256
	DefaultPulseCacheTTLMinutes = 30
)

// Redis key prefixes and names
const (
	LeaderElectionKey   = "outreach:sweep:leader"
	PulseCacheKeyPrefix = "outreach:pulse:"
	FunnelEventsStream  = "funnel_events"
	FunnelEventsMaxLen  = 100000
)

// Callback tokens
const (
	CallbackPrefix = "funnel"
	ControlPrefix  = "/"
	SystemPrefix   = "__sys:"
)

// Configuration environment variable names
const (
	EnvDatabasePath      = "DATABASE_PATH"
	EnvRedisURL          = "REDIS_URL"
	EnvPort              = "PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvPodID             = "POD_ID"
	EnvIdleTimeout       = "FUNNEL_IDLE_TIMEOUT_MINUTES"
	EnvSweepInterval     = "SWEEP_INTERVAL_SECONDS"
	EnvLeaderElectionTTL = "LEADER_ELECTION_TTL"
	EnvEventSink         = "EVENT_SINK"
	EnvEventBufferSize   = "EVENT_BUFFER_SIZE"
	EnvPulseCacheTTL     = "PULSE_CACHE_TTL_MINUTES"
	EnvChannelWebhookURL = "CHANNEL_WEBHOOK_URL"
	EnvConsumerGroupName = "CONSUMER_GROUP_NAME"
)

func MinutesToDuration(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
