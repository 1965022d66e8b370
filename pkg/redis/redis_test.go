package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/models"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available on localhost:6379: %v", err)
	}

	rdb.FlushDB(context.Background())
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type memWriter struct {
	mu     sync.Mutex
	events []models.FunnelEvent
	fail   error
}

func (m *memWriter) AppendFunnelEvent(_ context.Context, event models.FunnelEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestPulseCache_RoundTrip(t *testing.T) {
	rdb := setupTestRedis(t)
	cache := NewPulseCache(rdb, time.Minute)
	ctx := context.Background()

	miss, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	topic := "biryani_deals"
	record := &models.PulseRecord{
		UserID:        "u1",
		Score:         61,
		State:         models.PulseEngaged,
		LastMessageAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		MessageCount:  4,
		LastTopic:     &topic,
		SignalHistory: []models.SignalHistoryEntry{{Score: 61, Delta: 10, State: models.PulseEngaged, Signals: []string{"desire"}}},
	}
	require.NoError(t, cache.Set(ctx, record))

	got, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, record.Score, got.Score)
	assert.Equal(t, record.State, got.State)
	assert.Equal(t, "biryani_deals", *got.LastTopic)
	assert.True(t, record.UpdatedAt.Equal(got.UpdatedAt))
	assert.Len(t, got.SignalHistory, 1)

	ttl, err := rdb.TTL(ctx, constants.PulseCacheKeyPrefix+"u1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, cache.Delete(ctx, "u1"))
	gone, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	// deleting a missing key is not an error
	require.NoError(t, cache.Delete(ctx, "u1"))
}

func TestLeaderElection_SingleLeader(t *testing.T) {
	rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	a := NewLeaderElection(rdb, "pod-a", 5*time.Second, testLogger(), m)
	b := NewLeaderElection(rdb, "pod-b", 5*time.Second, testLogger(), m)

	a.tryBecomeLeader(ctx)
	b.tryBecomeLeader(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	// renewal keeps the same leader
	a.tryBecomeLeader(ctx)
	b.tryBecomeLeader(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	a.resignLeadership(ctx)
	assert.False(t, a.IsLeader())
	b.tryBecomeLeader(ctx)
	assert.True(t, b.IsLeader())
}

func TestLeaderElection_StartStop(t *testing.T) {
	rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	le := NewLeaderElection(rdb, "pod-a", 5*time.Second, testLogger(), m)
	le.Start(context.Background())
	assert.True(t, le.IsLeader())

	le.Stop()
	_, err := rdb.Get(context.Background(), constants.LeaderElectionKey).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestStreamSinkAndDrain(t *testing.T) {
	rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()
	writer := &memWriter{}

	drain := NewStreamDrain(rdb, writer, "test-writers", "pod-a", testLogger(), m)
	drain.block = 50 * time.Millisecond
	require.NoError(t, EnsureGroup(ctx, rdb, drain.stream, drain.group))
	// idempotent
	require.NoError(t, EnsureGroup(ctx, rdb, drain.stream, drain.group))

	sink := NewStreamSink(rdb, testLogger())
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.AppendFunnelEvent(ctx, models.FunnelEvent{
		InstanceID:     "i1",
		PlatformUserID: "tg:1",
		FunnelKey:      "topic-3",
		Type:           models.EventAdvanced,
		StepIndex:      1,
		Payload:        map[string]any{"reason": "keyword:yes"},
		At:             at,
	}))
	require.NoError(t, sink.AppendFunnelEvent(ctx, models.FunnelEvent{
		InstanceID: "i1", PlatformUserID: "tg:1", FunnelKey: "topic-3", Type: models.EventCompleted, StepIndex: 2, At: at,
	}))

	assert.Equal(t, 2, drain.ConsumeOnce(ctx))
	require.Equal(t, 2, writer.count())
	assert.Equal(t, models.EventAdvanced, writer.events[0].Type)
	assert.Equal(t, "keyword:yes", writer.events[0].Payload["reason"])
	assert.True(t, at.Equal(writer.events[0].At))
	assert.Nil(t, writer.events[1].Payload)

	pending, err := rdb.XPending(ctx, drain.stream, drain.group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamDrain_WriteFailureLeavesMessagePending(t *testing.T) {
	rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()
	writer := &memWriter{fail: errors.New("database is locked")}

	drain := NewStreamDrain(rdb, writer, "test-writers", "pod-a", testLogger(), m)
	drain.block = 50 * time.Millisecond
	require.NoError(t, EnsureGroup(ctx, rdb, drain.stream, drain.group))

	sink := NewStreamSink(rdb, testLogger())
	require.NoError(t, sink.AppendFunnelEvent(ctx, models.FunnelEvent{
		InstanceID: "i1", PlatformUserID: "tg:1", FunnelKey: "topic-3", Type: models.EventStarted, At: time.Now(),
	}))

	drain.ConsumeOnce(ctx)
	pending, err := rdb.XPending(ctx, drain.stream, drain.group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	writer.mu.Lock()
	writer.fail = nil
	writer.mu.Unlock()
	drain.processPendingMessages(ctx, 0)
	assert.Equal(t, 1, writer.count())

	pending, err = rdb.XPending(ctx, drain.stream, drain.group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamDrain_AcknowledgesMalformedMessage(t *testing.T) {
	rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()
	writer := &memWriter{}

	drain := NewStreamDrain(rdb, writer, "test-writers", "pod-a", testLogger(), m)
	drain.block = 50 * time.Millisecond
	require.NoError(t, EnsureGroup(ctx, rdb, drain.stream, drain.group))

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: drain.stream,
		Values: map[string]interface{}{"instance_id": "i1", "step_index": "two"},
	}).Err())

	assert.Equal(t, 1, drain.ConsumeOnce(ctx))
	assert.Equal(t, 0, writer.count())

	pending, err := rdb.XPending(ctx, drain.stream, drain.group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamDrain_StartStop(t *testing.T) {
	rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	writer := &memWriter{}

	drain := NewStreamDrain(rdb, writer, "test-writers", "pod-a", testLogger(), m)
	drain.block = 20 * time.Millisecond
	require.NoError(t, drain.Start(context.Background()))

	sink := NewStreamSink(rdb, testLogger())
	require.NoError(t, sink.AppendFunnelEvent(context.Background(), models.FunnelEvent{
		InstanceID: "i9", PlatformUserID: "tg:9", FunnelKey: "topic-9", Type: models.EventExpired, At: time.Now(),
	}))

	require.Eventually(t, func() bool { return writer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	drain.Stop()
}

func TestParseFunnelEvent_Rejects(t *testing.T) {
	valid := map[string]interface{}{
		"instance_id":      "i1",
		"platform_user_id": "tg:1",
		"funnel_key":       "topic-1",
		"event_type":       "started",
		"step_index":       "0",
		"at":               "1767225600000",
		"payload":          "",
	}
	event, err := parseFunnelEvent(redis.XMessage{ID: "1-0", Values: valid})
	require.NoError(t, err)
	assert.Equal(t, models.EventStarted, event.Type)

	for _, field := range []string{"instance_id", "event_type", "step_index", "at"} {
		broken := make(map[string]interface{}, len(valid))
		for k, v := range valid {
			broken[k] = v
		}
		delete(broken, field)
		_, err := parseFunnelEvent(redis.XMessage{ID: "1-0", Values: broken})
		assert.Error(t, err, field)
	}

	valid["step_index"] = "two"
	_, err = parseFunnelEvent(redis.XMessage{ID: "1-0", Values: valid})
	assert.Error(t, err)
}
