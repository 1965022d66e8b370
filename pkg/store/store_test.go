package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proactive-outreach-engine/pkg/models"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db))
	// second run is a no-op
	require.NoError(t, Migrate(db))

	s, err := New(db, nil)
	require.NoError(t, err)
	return s
}

func newInstance(id, platformUserID string, at time.Time) *models.FunnelInstance {
	return &models.FunnelInstance{
		ID:             id,
		PlatformUserID: platformUserID,
		UserID:         "user-" + platformUserID,
		ChatID:         "chat-" + platformUserID,
		FunnelKey:      "topic-1",
		Status:         models.FunnelActive,
		Context:        map[string]any{"topic": "biryani"},
		LastEventAt:    at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestStore_PulseRecordRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetPulseRecord(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	topic := "biryani_deals"
	record := &models.PulseRecord{
		UserID:        "u1",
		Score:         42,
		State:         models.PulseCurious,
		LastMessageAt: t0,
		UpdatedAt:     t0,
		MessageCount:  3,
		LastTopic:     &topic,
		SignalHistory: []models.SignalHistoryEntry{{At: t0, Score: 42, Delta: 24, State: models.PulseCurious, Signals: []string{"urgency", "desire"}}},
	}
	require.NoError(t, s.SavePulseRecord(ctx, record, 0))

	record.Score = 55
	record.State = models.PulseEngaged
	record.MessageCount = 4
	require.NoError(t, s.SavePulseRecord(ctx, record, 3))

	got, err := s.GetPulseRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 55, got.Score)
	assert.Equal(t, models.PulseEngaged, got.State)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, "biryani_deals", *got.LastTopic)
	assert.True(t, got.UpdatedAt.Equal(t0))
	require.Len(t, got.SignalHistory, 1)
	assert.Equal(t, []string{"urgency", "desire"}, got.SignalHistory[0].Signals)
}

func TestStore_PulseScoreCheckConstraint(t *testing.T) {
	s := setupTestStore(t)

	err := s.SavePulseRecord(context.Background(), &models.PulseRecord{UserID: "u1", Score: 101, State: models.PulseProactive, MessageCount: 1}, 0)
	assert.Error(t, err)
}

func TestStore_SavePulseRecordRejectsStaleWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := &models.PulseRecord{UserID: "u1", Score: 70, State: models.PulseEngaged, UpdatedAt: t0, MessageCount: 40}
	require.NoError(t, s.SavePulseRecord(ctx, first, 0))

	// a default record must never replace an existing row
	reset := &models.PulseRecord{UserID: "u1", Score: 0, State: models.PulsePassive, UpdatedAt: t0, MessageCount: 1}
	assert.ErrorIs(t, s.SavePulseRecord(ctx, reset, 0), ErrConflict)

	// a write computed from an older read loses
	stale := &models.PulseRecord{UserID: "u1", Score: 20, State: models.PulsePassive, UpdatedAt: t0, MessageCount: 39}
	assert.ErrorIs(t, s.SavePulseRecord(ctx, stale, 38), ErrConflict)

	next := &models.PulseRecord{UserID: "u1", Score: 75, State: models.PulseEngaged, UpdatedAt: t0, MessageCount: 41}
	require.NoError(t, s.SavePulseRecord(ctx, next, 40))

	got, err := s.GetPulseRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 41, got.MessageCount)
	assert.Equal(t, 75, got.Score)
}

func TestStore_OnlyOneActiveFunnelPerUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("f1", "p1", t0)))
	err := s.InsertFunnelInstance(ctx, newInstance("f2", "p1", t0))
	assert.ErrorIs(t, err, ErrActiveFunnelExists)

	// other users are unaffected
	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("f3", "p2", t0)))

	// once the first is terminal a new one may start
	ok, err := s.FinishFunnel(ctx, "f1", models.FunnelCompleted, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("f4", "p1", t0.Add(2*time.Minute))))

	active, err := s.GetActiveFunnel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "f4", active.ID)
	assert.Equal(t, "biryani", active.Context["topic"])

	all, err := s.ListFunnelInstances(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_TerminalStatusIsFinal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("f1", "p1", t0)))

	ok, err := s.FinishFunnel(ctx, "f1", models.FunnelAbandoned, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishFunnel(ctx, "f1", models.FunnelCompleted, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err := s.ExpireIdleFunnel(ctx, "f1", t0.Add(time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	assert.ErrorIs(t, s.AdvanceFunnel(ctx, "f1", 0, 1, t0), ErrConflict)

	_, err = s.FinishFunnel(ctx, "f1", models.FunnelActive, t0)
	assert.Error(t, err)

	inst, err := s.GetFunnelInstance(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, models.FunnelAbandoned, inst.Status)
}

func TestStore_AdvanceRequiresExpectedStep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("f1", "p1", t0)))

	require.NoError(t, s.AdvanceFunnel(ctx, "f1", 0, 1, t0.Add(time.Minute)))
	assert.ErrorIs(t, s.AdvanceFunnel(ctx, "f1", 0, 1, t0.Add(time.Minute)), ErrConflict)

	inst, err := s.GetFunnelInstance(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	assert.True(t, inst.LastEventAt.Equal(t0.Add(time.Minute)))
}

func TestStore_IdleFunnels(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("old", "p1", t0)))
	require.NoError(t, s.InsertFunnelInstance(ctx, newInstance("new", "p2", t0.Add(2*time.Hour))))

	cutoff := t0.Add(time.Hour)
	idle, err := s.ListIdleActiveFunnels(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)

	// a touch after the listing moves the instance out of the idle window
	require.NoError(t, s.TouchFunnel(ctx, "old", t0.Add(90*time.Minute)))
	expired, err := s.ExpireIdleFunnel(ctx, "old", cutoff, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = s.ExpireIdleFunnel(ctx, "old", t0.Add(2*time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestStore_RecentFunnelStarts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := newInstance("a", "p1", t0)
	a.Status = models.FunnelCompleted
	b := newInstance("b", "p1", t0.Add(time.Hour))
	b.FunnelKey = "topic-2"
	require.NoError(t, s.InsertFunnelInstance(ctx, a))
	require.NoError(t, s.InsertFunnelInstance(ctx, b))

	recent, err := s.RecentFunnelStarts(ctx, "user-p1", t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "topic-2", recent[0].FunnelKey)

	recent, err = s.RecentFunnelStarts(ctx, "user-p1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestStore_EligibleTopics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := t0.Add(24 * time.Hour)

	seed := []models.TopicIntent{
		{UserID: "u1", Topic: "biryani deals", Category: "food", Confidence: 70, Phase: models.PhaseProbing, LastSignalAt: now.Add(-6 * time.Hour)},
		{UserID: "u1", Topic: "goa flights", Category: "travel", Confidence: 85, Phase: models.PhaseShifting, LastSignalAt: now.Add(-5 * time.Hour)},
		{UserID: "u1", Topic: "too fresh", Category: "food", Confidence: 90, Phase: models.PhaseProbing, LastSignalAt: now.Add(-time.Hour)},
		{UserID: "u1", Topic: "low confidence", Category: "food", Confidence: 39, Phase: models.PhaseProbing, LastSignalAt: now.Add(-6 * time.Hour)},
		{UserID: "u1", Topic: "done already", Category: "food", Confidence: 95, Phase: models.PhaseCompleted, LastSignalAt: now.Add(-6 * time.Hour)},
		{UserID: "u2", Topic: "someone else", Category: "food", Confidence: 99, Phase: models.PhaseProbing, LastSignalAt: now.Add(-6 * time.Hour)},
	}
	for i := range seed {
		require.NoError(t, s.CreateTopic(ctx, &seed[i]))
	}

	topics, err := s.EligibleTopics(ctx, "u1", TopicQuery{
		MinConfidence:  40,
		Phases:         []models.TopicPhase{models.PhaseProbing, models.PhaseShifting},
		InactiveBefore: now.Add(-4 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, "goa flights", topics[0].Topic)
	assert.Equal(t, "biryani deals", topics[1].Topic)

	got, err := s.GetTopic(ctx, seed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseProbing, got.Phase)

	_, err = s.GetTopic(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UsersAndKeywords(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.ResolveUserID(ctx, "tg:42")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := s.EnsureUser(ctx, "tg:42", t0)
	require.NoError(t, err)
	again, err := s.EnsureUser(ctx, "tg:42", t0)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, s.AddUserKeyword(ctx, id, "preference", " Biryani ", t0))
	require.NoError(t, s.AddUserKeyword(ctx, id, "goal", "save money", t0.Add(time.Minute)))
	require.NoError(t, s.AddUserKeyword(ctx, id, "preference", "spicy", t0.Add(2*time.Minute)))

	prefs, goals, err := s.UserKeywords(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"spicy", "biryani"}, prefs)
	assert.Equal(t, []string{"save money"}, goals)
}

func TestStore_SessionActivityWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetSessionActivity(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.TouchSession(ctx, "u1", t0))
	require.NoError(t, s.TouchSession(ctx, "u1", t0.Add(time.Hour)))
	require.NoError(t, s.TouchSession(ctx, "u1", t0.Add(2*time.Hour)))

	activity, err := s.GetSessionActivity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, activity.Messages24h)
	assert.True(t, activity.LastMessageAt.Equal(t0.Add(2*time.Hour)))

	require.NoError(t, s.TouchSession(ctx, "u1", t0.Add(30*time.Hour)))
	activity, err = s.GetSessionActivity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, activity.Messages24h)
}

func TestStore_FunnelEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendFunnelEvent(ctx, models.FunnelEvent{
		InstanceID: "f1", PlatformUserID: "p1", FunnelKey: "topic-1", Type: models.EventStarted, At: t0,
	}))
	require.NoError(t, s.AppendFunnelEvent(ctx, models.FunnelEvent{
		InstanceID: "f1", PlatformUserID: "p1", FunnelKey: "topic-1", Type: models.EventAdvanced, StepIndex: 1,
		Payload: map[string]any{"via": "reply"}, At: t0.Add(time.Minute),
	}))

	events, err := s.ListFunnelEvents(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventStarted, events[0].Type)
	assert.Nil(t, events[0].Payload)
	assert.Equal(t, 1, events[1].StepIndex)
	assert.Equal(t, "reply", events[1].Payload["via"])
}
