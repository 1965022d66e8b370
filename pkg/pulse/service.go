package pulse

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/clock"
	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/models"
	"proactive-outreach-engine/pkg/signals"
	"proactive-outreach-engine/pkg/store"
)

// Store is the durable side of the pulse service. GetPulseRecord returns
// store.ErrNotFound when the user has no record yet. SavePulseRecord only
// writes when the stored message count still equals expectedCount (0 means no
// row may exist) and returns store.ErrConflict otherwise.
type Store interface {
	GetPulseRecord(ctx context.Context, userID string) (*models.PulseRecord, error)
	SavePulseRecord(ctx context.Context, record *models.PulseRecord, expectedCount int) error
}

type Service struct {
	store   Store
	cache   Cache
	locks   KeyedLocker
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, cache Cache, locks KeyedLocker, clk clock.Clock, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:   store,
		cache:   cache,
		locks:   locks,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// RecordEngagement folds one message into the user's pulse record and persists
// it. Updates for the same user are serialized in process, and the write is
// conditional on the stored message count so a stale base never overwrites a
// newer row. On a conflict the update is recomputed once from the store. When
// persisting fails the error is returned and the cache is not updated.
func (s *Service) RecordEngagement(ctx context.Context, event models.EngagementEvent) (*models.PulseRecord, error) {
	if event.UserID == "" {
		return nil, fmt.Errorf("record engagement: user id is empty")
	}
	if event.Now.IsZero() {
		event.Now = s.clock.Now()
	}

	unlock := s.locks.Lock(event.UserID)
	defer unlock()

	var (
		record *models.PulseRecord
		next   *models.PulseRecord
		vector models.SignalVector
	)
	for attempt := 0; ; attempt++ {
		var found bool
		var err error
		record, found, err = s.load(ctx, event.UserID, attempt == 0)
		if err != nil {
			s.logger.WithError(err).WithField("user_id", event.UserID).Warn("Failed to load pulse record, starting from default")
			record, found = models.NewPulseRecord(event.UserID), false
		}

		next, vector = fold(record, found, event)

		err = s.store.SavePulseRecord(ctx, next, record.MessageCount)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) {
			s.invalidate(ctx, event.UserID)
			if attempt == 0 {
				s.metrics.PulseUpdates.WithLabelValues("conflict_retry").Inc()
				s.logger.WithField("user_id", event.UserID).Debug("Pulse record changed since read, retrying from store")
				continue
			}
		}
		s.metrics.PulseUpdates.WithLabelValues("persist_error").Inc()
		return nil, fmt.Errorf("record engagement: persist pulse record: %w", err)
	}
	s.metrics.PulseUpdates.WithLabelValues("ok").Inc()

	if err := s.cache.Set(ctx, next); err != nil {
		s.logger.WithError(err).WithField("user_id", event.UserID).Warn("Failed to cache pulse record")
		s.invalidate(ctx, event.UserID)
	}

	previousState := record.State
	if next.State != previousState {
		s.metrics.PulseTransitions.WithLabelValues(string(previousState), string(next.State)).Inc()
		s.logger.WithFields(logrus.Fields{
			"user_id": event.UserID,
			"from":    previousState,
			"to":      next.State,
			"score":   next.Score,
			"delta":   vector.ScoreDelta,
			"signals": vector.Matched,
		}).Info("Pulse state changed")
	}

	return next.Clone(), nil
}

// fold applies one engagement event to a copy of record.
func fold(record *models.PulseRecord, found bool, event models.EngagementEvent) (*models.PulseRecord, models.SignalVector) {
	now := event.Now
	vector := signals.Extract(signals.Input{
		Message:             event.Message,
		Now:                 now,
		PreviousMessageAt:   event.PreviousMessageAt,
		PreviousUserMessage: event.PreviousUserMessage,
		Classifier:          event.Classifier,
	})

	base := float64(record.Score)
	state := record.State
	if found && IsStale(record.UpdatedAt, now) {
		base, state = 0, models.PulsePassive
	} else {
		base = ApplyDecay(base, record.UpdatedAt, now)
	}

	next := record.Clone()
	next.Score = ClampScore(base + float64(vector.ScoreDelta))
	next.State = TransitionState(state, next.Score)
	next.MessageCount++
	next.LastMessageAt = now
	if now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	if key := signals.TopicKey(event.Message); key != "" {
		next.LastTopic = &key
	}
	next.SignalHistory = append(next.SignalHistory, models.SignalHistoryEntry{
		At:      now,
		Score:   next.Score,
		Delta:   vector.ScoreDelta,
		State:   next.State,
		Signals: vector.Matched,
	})
	if overflow := len(next.SignalHistory) - constants.MaxSignalHistory; overflow > 0 {
		next.SignalHistory = append([]models.SignalHistoryEntry(nil), next.SignalHistory[overflow:]...)
	}
	return next, vector
}

// GetState returns the user's current pulse state, PASSIVE if no record exists.
func (s *Service) GetState(ctx context.Context, userID string) (models.PulseState, error) {
	record, _, err := s.load(ctx, userID, true)
	if err != nil {
		return models.PulsePassive, fmt.Errorf("get pulse state: %w", err)
	}
	return record.State, nil
}

// GetRecord returns the user's pulse record, or a default record if none exists.
func (s *Service) GetRecord(ctx context.Context, userID string) (*models.PulseRecord, error) {
	record, _, err := s.load(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("get pulse record: %w", err)
	}
	return record, nil
}

// load reads the record through the cache, or straight from the store when
// useCache is false. found is false when the user has no durable record.
func (s *Service) load(ctx context.Context, userID string, useCache bool) (*models.PulseRecord, bool, error) {
	if useCache {
		cached, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Warn("Pulse cache read failed")
		}
		if cached != nil {
			return cached, true, nil
		}
	}

	record, err := s.store.GetPulseRecord(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewPulseRecord(userID), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to cache pulse record")
		s.invalidate(ctx, userID)
	}
	return record, true, nil
}

// invalidate drops the cached record so the next read goes to the store.
func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to invalidate cached pulse record")
	}
}
