package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/models"
)

// StreamSink appends funnel lifecycle events to a capped Redis stream. The
// drain consumer moves them into the SQL store.
type StreamSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *logrus.Logger
}

func NewStreamSink(rdb *redis.Client, logger *logrus.Logger) *StreamSink {
	return &StreamSink{
		rdb:    rdb,
		stream: constants.FunnelEventsStream,
		maxLen: constants.FunnelEventsMaxLen,
		logger: logger,
	}
}

// EnsureGroup creates the consumer group and the stream if missing.
func EnsureGroup(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (s *StreamSink) AppendFunnelEvent(ctx context.Context, event models.FunnelEvent) error {
	payload := ""
	if len(event.Payload) > 0 {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = string(encoded)
	}

	messageID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"instance_id":      event.InstanceID,
			"platform_user_id": event.PlatformUserID,
			"funnel_key":       event.FunnelKey,
			"event_type":       string(event.Type),
			"step_index":       event.StepIndex,
			"at":               event.At.UnixMilli(),
			"payload":          payload,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add event to stream: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"instance_id": event.InstanceID,
		"event_type":  event.Type,
		"message_id":  messageID,
	}).Debug("Published funnel event to stream")
	return nil
}
