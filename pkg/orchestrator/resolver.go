package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proactive-outreach-engine/pkg/funnel"
	"proactive-outreach-engine/pkg/models"
)

// ErrUnknownFunnel is returned when an instance's definition cannot be re-derived.
var ErrUnknownFunnel = errors.New("orchestrator: unknown funnel key")

// Context keys of the topic snapshot stored on each instance.
const (
	ctxTopicID       = "topic_id"
	ctxTopic         = "topic"
	ctxCategory      = "category"
	ctxPhase         = "phase"
	ctxConfidence    = "confidence"
	ctxLastSignalAt  = "last_signal_at"
	ctxSelectedScore = "selection_score"
)

type TopicLookup interface {
	GetTopic(ctx context.Context, id int64) (*models.TopicIntent, error)
}

// DefinitionResolver re-derives a funnel definition for an instance. Definitions
// are never persisted; the generator is deterministic, so the topic snapshot is
// enough. When the snapshot is missing or stale the topic store is consulted.
type DefinitionResolver struct {
	topics TopicLookup
}

func NewDefinitionResolver(topics TopicLookup) *DefinitionResolver {
	return &DefinitionResolver{topics: topics}
}

func (r *DefinitionResolver) Resolve(ctx context.Context, inst *models.FunnelInstance) (*models.FunnelDefinition, error) {
	if topic, ok := topicFromContext(inst.Context); ok {
		if def := funnel.Generate(topic); def != nil && def.Key == inst.FunnelKey {
			return def, nil
		}
	}

	id, ok := topicIDFromKey(inst.FunnelKey)
	if !ok || r.topics == nil {
		return nil, ErrUnknownFunnel
	}
	topic, err := r.topics.GetTopic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve funnel %s: %w", inst.FunnelKey, err)
	}
	def := funnel.Generate(*topic)
	if def == nil || def.Key != inst.FunnelKey {
		return nil, ErrUnknownFunnel
	}
	return def, nil
}

func snapshotContext(topic models.TopicIntent, score float64) map[string]any {
	return map[string]any{
		ctxTopicID:       topic.ID,
		ctxTopic:         topic.Topic,
		ctxCategory:      topic.Category,
		ctxPhase:         string(topic.Phase),
		ctxConfidence:    topic.Confidence,
		ctxLastSignalAt:  topic.LastSignalAt.UTC().Format(time.RFC3339),
		ctxSelectedScore: score,
	}
}

func topicFromContext(c map[string]any) (models.TopicIntent, bool) {
	if c == nil {
		return models.TopicIntent{}, false
	}
	id, ok := asInt64(c[ctxTopicID])
	if !ok {
		return models.TopicIntent{}, false
	}
	text, _ := c[ctxTopic].(string)
	category, _ := c[ctxCategory].(string)
	phase, _ := c[ctxPhase].(string)
	confidence, _ := asInt64(c[ctxConfidence])
	return models.TopicIntent{
		ID:         id,
		Topic:      text,
		Category:   category,
		Phase:      models.TopicPhase(phase),
		Confidence: int(confidence),
	}, text != ""
}

// asInt64 accepts the numeric shapes a context value can take before and
// after a JSON round trip.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func topicIDFromKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, "topic-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}
