package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/models"
)

// EventWriter is where drained events end up.
type EventWriter interface {
	AppendFunnelEvent(ctx context.Context, event models.FunnelEvent) error
}

// StreamDrain reads funnel events from the stream through a consumer group
// and writes them to the SQL store. Messages are acknowledged only after a
// successful write; unacknowledged ones are reclaimed after a minute.
type StreamDrain struct {
	rdb          *redis.Client
	writer       EventWriter
	stream       string
	group        string
	consumerName string
	block        time.Duration
	logger       *logrus.Logger
	metrics      *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewStreamDrain(rdb *redis.Client, writer EventWriter, group, podID string, logger *logrus.Logger, metrics *metrics.Metrics) *StreamDrain {
	return &StreamDrain{
		rdb:          rdb,
		writer:       writer,
		stream:       constants.FunnelEventsStream,
		group:        group,
		consumerName: fmt.Sprintf("drain-%s", podID),
		block:        time.Second,
		logger:       logger,
		metrics:      metrics,
		stopCh:       make(chan struct{}),
	}
}

func (d *StreamDrain) Start(ctx context.Context) error {
	if err := EnsureGroup(ctx, d.rdb, d.stream, d.group); err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{
		"consumer_name":  d.consumerName,
		"consumer_group": d.group,
	}).Info("Starting funnel event drain")

	d.wg.Add(2)
	go d.consumeLoop(ctx)
	go d.pendingMessagesRecovery(ctx)
	return nil
}

// Stop ends both loops. A blocked read returns within the block timeout.
func (d *StreamDrain) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *StreamDrain) consumeLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
			d.ConsumeOnce(ctx)
		}
	}
}

// ConsumeOnce reads and processes one batch of new messages.
func (d *StreamDrain) ConsumeOnce(ctx context.Context) int {
	streams, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: d.consumerName,
		Streams:  []string{d.stream, ">"},
		Count:    50,
		Block:    d.block,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			d.logger.WithError(err).Error("Failed to read from funnel event stream")
			// avoid a hot loop while Redis is unavailable
			select {
			case <-time.After(d.block):
			case <-ctx.Done():
			case <-d.stopCh:
			}
		}
		return 0
	}

	processed := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			d.processMessage(ctx, message)
			processed++
		}
	}
	return processed
}

func (d *StreamDrain) processMessage(ctx context.Context, message redis.XMessage) {
	event, err := parseFunnelEvent(message)
	if err != nil {
		d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse funnel event")
		d.metrics.StreamMessagesProcessed.WithLabelValues("parse_error").Inc()
		// unparseable messages would never succeed
		if err := d.acknowledge(ctx, message.ID); err != nil {
			d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge message")
		}
		return
	}

	if err := d.writer.AppendFunnelEvent(ctx, event); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"instance_id": event.InstanceID,
			"message_id":  message.ID,
		}).Error("Failed to store funnel event")
		d.metrics.StreamMessagesProcessed.WithLabelValues("write_error").Inc()
		return
	}

	if err := d.acknowledge(ctx, message.ID); err != nil {
		d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge message")
		return
	}
	d.metrics.StreamMessagesProcessed.WithLabelValues("success").Inc()
}

func (d *StreamDrain) acknowledge(ctx context.Context, messageID string) error {
	return d.rdb.XAck(ctx, d.stream, d.group, messageID).Err()
}

func (d *StreamDrain) pendingMessagesRecovery(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.processPendingMessages(ctx, time.Minute)
		}
	}
}

func (d *StreamDrain) processPendingMessages(ctx context.Context, minIdle time.Duration) {
	messages, _, err := d.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   d.stream,
		Group:    d.group,
		Consumer: d.consumerName,
		MinIdle:  minIdle,
		Count:    50,
		Start:    "0-0",
	}).Result()
	if err != nil {
		d.logger.WithError(err).Error("Failed to auto-claim pending messages")
		return
	}
	if len(messages) > 0 {
		d.logger.WithField("pending_count", len(messages)).Info("Reprocessing pending funnel events")
	}
	for _, message := range messages {
		d.processMessage(ctx, message)
	}
}

func parseFunnelEvent(message redis.XMessage) (models.FunnelEvent, error) {
	var event models.FunnelEvent

	str := func(field string) (string, error) {
		v, ok := message.Values[field].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("missing or invalid %s", field)
		}
		return v, nil
	}

	var err error
	if event.InstanceID, err = str("instance_id"); err != nil {
		return event, err
	}
	if event.PlatformUserID, err = str("platform_user_id"); err != nil {
		return event, err
	}
	if event.FunnelKey, err = str("funnel_key"); err != nil {
		return event, err
	}
	eventType, err := str("event_type")
	if err != nil {
		return event, err
	}
	event.Type = models.FunnelEventType(eventType)

	stepStr, err := str("step_index")
	if err != nil {
		return event, err
	}
	if event.StepIndex, err = strconv.Atoi(stepStr); err != nil {
		return event, fmt.Errorf("invalid step_index format: %w", err)
	}

	atStr, err := str("at")
	if err != nil {
		return event, err
	}
	at, err := strconv.ParseInt(atStr, 10, 64)
	if err != nil {
		return event, fmt.Errorf("invalid at format: %w", err)
	}
	event.At = time.UnixMilli(at).UTC()

	if payload, ok := message.Values["payload"].(string); ok && payload != "" {
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return event, fmt.Errorf("invalid payload: %w", err)
		}
	}
	return event, nil
}
