// Package intent picks which funnel, if any, to start for a user.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"proactive-outreach-engine/pkg/clock"
	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/funnel"
	"proactive-outreach-engine/pkg/models"
	"proactive-outreach-engine/pkg/store"
)

// ErrUnknownUser is returned when the platform user has no internal id.
var ErrUnknownUser = errors.New("intent: unknown user")

type UserResolver interface {
	ResolveUserID(ctx context.Context, platformUserID string) (string, error)
}

type PulseReader interface {
	GetState(ctx context.Context, userID string) (models.PulseState, error)
}

type SessionReader interface {
	GetSessionActivity(ctx context.Context, userID string) (models.SessionActivity, error)
}

type KeywordReader interface {
	UserKeywords(ctx context.Context, userID string, limit int) (preferences, goals []string, err error)
}

type RecentFunnelReader interface {
	RecentFunnelStarts(ctx context.Context, userID string, since time.Time) ([]models.RecentFunnel, error)
}

type TopicReader interface {
	EligibleTopics(ctx context.Context, userID string, q store.TopicQuery) ([]models.TopicIntent, error)
}

// Sources groups the read-only collaborators the selector queries.
type Sources struct {
	Users    UserResolver
	Pulse    PulseReader
	Sessions SessionReader
	Keywords KeywordReader
	Funnels  RecentFunnelReader
	Topics   TopicReader
}

// IntentContext is everything known about a user when deciding on outreach.
type IntentContext struct {
	PlatformUserID     string
	ChatID             string
	UserID             string
	PulseState         models.PulseState
	PulseInferred      bool
	PreferenceKeywords []string
	GoalKeywords       []string
	RecentFunnels      []models.RecentFunnel
}

// Candidate is a scored funnel for one topic.
type Candidate struct {
	Topic      models.TopicIntent
	Definition *models.FunnelDefinition
	Score      float64
}

// Selection is the outcome of Select. Best is nil when nothing qualifies.
type Selection struct {
	Best       *Candidate
	Reason     string
	Considered int
}

type Selector struct {
	sources Sources
	clock   clock.Clock
	logger  *logrus.Logger
}

func NewSelector(sources Sources, clk clock.Clock, logger *logrus.Logger) *Selector {
	if clk == nil {
		clk = clock.New()
	}
	return &Selector{sources: sources, clock: clk, logger: logger}
}

// BuildContext gathers user context. A failing pulse read degrades to a state
// inferred from session activity; any other read failure is returned.
func (s *Selector) BuildContext(ctx context.Context, platformUserID, chatID string) (*IntentContext, error) {
	userID, err := s.sources.Users.ResolveUserID(ctx, platformUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("build intent context: resolve user: %w", err)
	}

	ic := &IntentContext{PlatformUserID: platformUserID, ChatID: chatID, UserID: userID}
	now := s.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		state, err := s.sources.Pulse.GetState(gctx, userID)
		if err == nil {
			ic.PulseState = state
			return nil
		}
		s.logger.WithError(err).WithField("user_id", userID).Warn("Pulse unavailable, inferring state from session activity")
		ic.PulseState = s.inferState(gctx, userID, now)
		ic.PulseInferred = true
		return nil
	})
	g.Go(func() error {
		prefs, goals, err := s.sources.Keywords.UserKeywords(gctx, userID, 25)
		if err != nil {
			return fmt.Errorf("read keywords: %w", err)
		}
		ic.PreferenceKeywords, ic.GoalKeywords = prefs, goals
		return nil
	})
	g.Go(func() error {
		recent, err := s.sources.Funnels.RecentFunnelStarts(gctx, userID, now.Add(-constants.CooldownLookback))
		if err != nil {
			return fmt.Errorf("read recent funnels: %w", err)
		}
		ic.RecentFunnels = recent
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build intent context: %w", err)
	}
	return ic, nil
}

// inferState never returns PROACTIVE and falls back to PASSIVE when session
// activity is also unavailable.
func (s *Selector) inferState(ctx context.Context, userID string, now time.Time) models.PulseState {
	activity, err := s.sources.Sessions.GetSessionActivity(ctx, userID)
	if err != nil {
		return models.PulsePassive
	}
	return InferState(activity, now)
}

// InferState maps recent session recency and volume onto a conservative pulse state.
func InferState(activity models.SessionActivity, now time.Time) models.PulseState {
	if activity.LastMessageAt.IsZero() {
		return models.PulsePassive
	}
	since := now.Sub(activity.LastMessageAt)
	switch {
	case since <= time.Hour && activity.Messages24h >= 20:
		return models.PulseEngaged
	case since <= 6*time.Hour && activity.Messages24h >= 5:
		return models.PulseCurious
	default:
		return models.PulsePassive
	}
}

// Select returns the best funnel for the context, or a Selection with a nil
// Best and the reason nothing qualified.
func (s *Selector) Select(ctx context.Context, ic *IntentContext) (*Selection, error) {
	if !ic.PulseState.AtLeast(models.PulseEngaged) {
		return &Selection{Reason: fmt.Sprintf("pulse state %s is below %s", ic.PulseState, models.PulseEngaged)}, nil
	}

	now := s.clock.Now()
	topics, err := s.sources.Topics.EligibleTopics(ctx, ic.UserID, store.TopicQuery{
		MinConfidence:  constants.MinTopicConfidence,
		Phases:         []models.TopicPhase{models.PhaseProbing, models.PhaseShifting},
		InactiveBefore: now.Add(-constants.TopicInactivityWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("select funnel: read topics: %w", err)
	}
	if len(topics) == 0 {
		return &Selection{Reason: "no eligible topics"}, nil
	}

	var best *Candidate
	considered := 0
	for _, topic := range topics {
		def := funnel.Generate(topic)
		if def == nil || !ic.PulseState.AtLeast(def.MinPulseState) {
			continue
		}
		if inCooldown(def, ic.RecentFunnels, now) {
			s.logger.WithFields(logrus.Fields{
				"user_id":    ic.UserID,
				"funnel_key": def.Key,
			}).Debug("Funnel in cooldown")
			continue
		}
		considered++
		candidate := &Candidate{Topic: topic, Definition: def, Score: Score(topic, def, ic)}
		if best == nil || candidate.Score > best.Score {
			best = candidate
		}
	}

	if best == nil {
		return &Selection{Reason: "all candidate funnels are cooling down", Considered: considered}, nil
	}
	if best.Score < constants.MinSelectionScore {
		return &Selection{Reason: fmt.Sprintf("best score %.1f below %d", best.Score, constants.MinSelectionScore), Considered: considered}, nil
	}
	return &Selection{Best: best, Reason: "selected", Considered: considered}, nil
}

// Score is confidence/5 plus a pulse bonus, minus a penalty when any funnel
// started recently, plus small affinity bonuses for matching stored keywords.
func Score(topic models.TopicIntent, def *models.FunnelDefinition, ic *IntentContext) float64 {
	score := float64(topic.Confidence) / 5
	if ic.PulseState == models.PulseProactive {
		score += constants.ProactivePulseBonus
	} else {
		score += constants.EngagedPulseBonus
	}
	if len(ic.RecentFunnels) > 0 {
		score -= constants.RecentFunnelPenalty
	}
	if anyKeywordMatch(def.PreferenceKeywords, ic.PreferenceKeywords) {
		score += constants.PreferenceMatchBonus
	}
	if anyKeywordMatch(def.GoalKeywords, ic.GoalKeywords) {
		score += constants.GoalMatchBonus
	}
	return score
}

func inCooldown(def *models.FunnelDefinition, recent []models.RecentFunnel, now time.Time) bool {
	for _, r := range recent {
		if r.FunnelKey == def.Key && now.Sub(r.StartedAt) < def.Cooldown() {
			return true
		}
	}
	return false
}

// anyKeywordMatch reports whether any funnel keyword appears as a word of any
// stored keyword phrase.
func anyKeywordMatch(funnelKeywords, stored []string) bool {
	if len(funnelKeywords) == 0 || len(stored) == 0 {
		return false
	}
	words := make(map[string]struct{})
	for _, phrase := range stored {
		for _, w := range strings.Fields(strings.ToLower(phrase)) {
			words[w] = struct{}{}
		}
	}
	for _, kw := range funnelKeywords {
		if _, ok := words[strings.ToLower(kw)]; ok {
			return true
		}
	}
	return false
}
