package models

import "time"

// FunnelStatus is the lifecycle status of a funnel instance.
type FunnelStatus string

const (
	FunnelActive    FunnelStatus = "ACTIVE"
	FunnelCompleted FunnelStatus = "COMPLETED"
	FunnelAbandoned FunnelStatus = "ABANDONED"
	FunnelExpired   FunnelStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s FunnelStatus) Terminal() bool {
	return s == FunnelCompleted || s == FunnelAbandoned || s == FunnelExpired
}

// Choice is a tappable option rendered by the channel.
type Choice struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// FunnelStep is one message of a funnel script.
type FunnelStep struct {
	ID               string         `json:"id"`
	Text             string         `json:"text"`
	Choices          []Choice       `json:"choices,omitempty"`
	Next             map[string]int `json:"next,omitempty"`
	AdvanceKeywords  []string       `json:"advance_keywords,omitempty"`
	AnyReplyAdvances bool           `json:"any_reply_advances,omitempty"`
	AdvanceTo        int            `json:"advance_to"`
	PassThrough      bool           `json:"pass_through,omitempty"`
	AbandonKeywords  []string       `json:"abandon_keywords,omitempty"`
}

// FunnelDefinition is a generated multi-step outreach script.
type FunnelDefinition struct {
	Key                string       `json:"key"`
	Category           string       `json:"category"`
	Hashtag            string       `json:"hashtag"`
	MinPulseState      PulseState   `json:"min_pulse_state"`
	CooldownMinutes    int          `json:"cooldown_minutes"`
	PreferenceKeywords []string     `json:"preference_keywords"`
	GoalKeywords       []string     `json:"goal_keywords"`
	Action             string       `json:"action,omitempty"`
	Steps              []FunnelStep `json:"steps"`
}

// Cooldown returns the minimum gap between two starts of the funnel.
func (d *FunnelDefinition) Cooldown() time.Duration {
	return time.Duration(d.CooldownMinutes) * time.Minute
}

// FunnelInstance is one running (or finished) funnel for a platform user.
type FunnelInstance struct {
	ID               string         `json:"id"`
	PlatformUserID   string         `json:"platform_user_id"`
	UserID           string         `json:"user_id"`
	ChatID           string         `json:"chat_id"`
	FunnelKey        string         `json:"funnel_key"`
	Status           FunnelStatus   `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Context          map[string]any `json:"context"`
	LastEventAt      time.Time      `json:"last_event_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RecentFunnel is a funnel start inside the cooldown lookback window.
type RecentFunnel struct {
	FunnelKey string    `json:"funnel_key"`
	StartedAt time.Time `json:"started_at"`
}

// FunnelEventType names a lifecycle event written to the analytics sink.
type FunnelEventType string

const (
	EventStarted    FunnelEventType = "started"
	EventSendFailed FunnelEventType = "send_failed"
	EventAdvanced   FunnelEventType = "advanced"
	EventNudged     FunnelEventType = "nudged"
	EventPassedOn   FunnelEventType = "passed_through"
	EventCompleted  FunnelEventType = "completed"
	EventAbandoned  FunnelEventType = "abandoned"
	EventExpired    FunnelEventType = "expired"
)

// FunnelEvent is an analytics record of a lifecycle transition.
type FunnelEvent struct {
	InstanceID     string          `json:"instance_id"`
	PlatformUserID string          `json:"platform_user_id"`
	FunnelKey      string          `json:"funnel_key"`
	Type           FunnelEventType `json:"type"`
	StepIndex      int             `json:"step_index"`
	Payload        map[string]any  `json:"payload,omitempty"`
	At             time.Time       `json:"at"`
}

// StartResult is returned by the orchestrator's start operation.
type StartResult struct {
	Started   bool   `json:"started"`
	Reason    string `json:"reason"`
	FunnelKey string `json:"funnel_key,omitempty"`
}

// ReplyResult is returned by the orchestrator's reply operation.
type ReplyResult struct {
	Handled      bool   `json:"handled"`
	ResponseText string `json:"response_text,omitempty"`
	PassThrough  bool   `json:"pass_through,omitempty"`
}

// CallbackResult is returned by the orchestrator's callback operation.
type CallbackResult struct {
	Text string `json:"text"`
}
