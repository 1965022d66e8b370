package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proactive-outreach-engine/pkg/clock"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/models"
	"proactive-outreach-engine/pkg/store"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type blockingSink struct {
	mu      sync.Mutex
	gate    chan struct{}
	written []models.FunnelEvent
	fail    bool
}

func (b *blockingSink) AppendFunnelEvent(_ context.Context, event models.FunnelEvent) error {
	<-b.gate
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("sink down")
	}
	b.written = append(b.written, event)
	return nil
}

func TestEventEmitter_DropsWhenFullAndDrainsOnClose(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sink := &blockingSink{gate: make(chan struct{})}
	emitter := NewEventEmitter(sink, 2, quietLogger(), m)

	// the worker takes the first event and blocks on the gate
	emitter.Emit(models.FunnelEvent{InstanceID: "a"})
	require.Eventually(t, func() bool { return len(emitter.events) == 0 }, time.Second, time.Millisecond)

	emitter.Emit(models.FunnelEvent{InstanceID: "b"})
	emitter.Emit(models.FunnelEvent{InstanceID: "c"})
	emitter.Emit(models.FunnelEvent{InstanceID: "d"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))

	close(sink.gate)
	emitter.Close()

	var ids []string
	for _, e := range sink.written {
		ids = append(ids, e.InstanceID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	emitter.Emit(models.FunnelEvent{InstanceID: "late"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped))
}

func TestEventEmitter_SinkFailureIsSwallowed(t *testing.T) {
	sink := &blockingSink{gate: make(chan struct{}), fail: true}
	close(sink.gate)
	emitter := NewEventEmitter(sink, 4, quietLogger(), nil)

	emitter.Emit(models.FunnelEvent{InstanceID: "a"})
	emitter.Close()
	assert.Empty(t, sink.written)
}

func TestTimerRegistry_ArmReplacesAndCancels(t *testing.T) {
	clk := clock.NewFake(t0)
	reg := NewTimerRegistry(clk, nil)
	var fired []string

	reg.Arm("i1", time.Minute, func() { fired = append(fired, "first") })
	reg.Arm("i1", 2*time.Minute, func() { fired = append(fired, "second") })
	reg.Arm("i2", time.Minute, func() { fired = append(fired, "other") })
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, clk.Pending())

	assert.True(t, reg.Cancel("i2"))
	assert.False(t, reg.Cancel("i2"))

	clk.Advance(time.Minute)
	assert.Empty(t, fired)

	clk.Advance(time.Minute)
	assert.Equal(t, []string{"second"}, fired)
	assert.Equal(t, 0, reg.Len())
}

func TestTimerRegistry_StopAll(t *testing.T) {
	clk := clock.NewFake(t0)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := NewTimerRegistry(clk, m)

	reg.Arm("i1", time.Minute, func() { t.Fatal("stopped timer fired") })
	reg.Arm("i2", time.Minute, func() { t.Fatal("stopped timer fired") })
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveFunnelTimers))

	reg.StopAll()
	clk.Advance(time.Hour)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveFunnelTimers))
}

type topicsByID map[int64]*models.TopicIntent

func (m topicsByID) GetTopic(_ context.Context, id int64) (*models.TopicIntent, error) {
	topic, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return topic, nil
}

func TestDefinitionResolver(t *testing.T) {
	topic := models.TopicIntent{ID: 42, Topic: "goa flights", Category: "travel", Confidence: 70, Phase: models.PhaseShifting}
	resolver := NewDefinitionResolver(topicsByID{42: &topic})
	ctx := context.Background()

	// snapshot after a JSON round trip, as read back from the store
	raw, err := json.Marshal(snapshotContext(topic, 30))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	def, err := resolver.Resolve(ctx, &models.FunnelInstance{FunnelKey: "topic-42", Context: decoded})
	require.NoError(t, err)
	assert.Equal(t, "travel_search", def.Action)

	// no snapshot: falls back to the topic store
	def, err = resolver.Resolve(ctx, &models.FunnelInstance{FunnelKey: "topic-42"})
	require.NoError(t, err)
	assert.Equal(t, "topic-42", def.Key)

	_, err = resolver.Resolve(ctx, &models.FunnelInstance{FunnelKey: "menu-1"})
	assert.ErrorIs(t, err, ErrUnknownFunnel)

	_, err = resolver.Resolve(ctx, &models.FunnelInstance{FunnelKey: "topic-7"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fixedLeader bool

func (f fixedLeader) IsLeader() bool { return bool(f) }

// countingLeader records how often leadership was checked.
type countingLeader struct {
	leader bool
	checks atomic.Int32
}

func (c *countingLeader) IsLeader() bool {
	c.checks.Add(1)
	return c.leader
}

var sweepStart = time.Date(2026, 9, 14, 3, 0, 0, 0, time.UTC)

func TestSweeper_RunsOnlyWhenLeader(t *testing.T) {
	var runs atomic.Int32
	clk := clock.NewFake(sweepStart)
	s := newSweeper(func(context.Context, time.Duration) (int, error) {
		runs.Add(1)
		return 0, nil
	}, nil, clk, 5*time.Minute, time.Minute, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(4 * time.Minute)
	assert.Equal(t, int32(0), runs.Load())

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 && clk.Pending() == 1 }, time.Second, time.Millisecond)

	clk.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestSweeper_FollowerSkipsSweep(t *testing.T) {
	var runs atomic.Int32
	leader := &countingLeader{}
	clk := clock.NewFake(sweepStart)
	s := newSweeper(func(context.Context, time.Duration) (int, error) {
		runs.Add(1)
		return 0, nil
	}, leader, clk, 5*time.Minute, time.Minute, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := int32(1); i <= 3; i++ {
		require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
		clk.Advance(5 * time.Minute)
		require.Eventually(t, func() bool { return leader.checks.Load() == i }, time.Second, time.Millisecond)
	}
	s.Stop()
	s.Stop()

	assert.Equal(t, int32(0), runs.Load())
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	var runs atomic.Int32
	clk := clock.NewFake(sweepStart)
	s := newSweeper(func(context.Context, time.Duration) (int, error) {
		runs.Add(1)
		return 0, errors.New("store down")
	}, AlwaysLeader{}, clk, time.Minute, time.Minute, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	s.Stop()
	assert.Equal(t, 0, clk.Pending())
}
