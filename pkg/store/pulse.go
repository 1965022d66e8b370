package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"proactive-outreach-engine/pkg/models"
)

// GetPulseRecord loads the pulse record for a user.
func (s *Store) GetPulseRecord(ctx context.Context, userID string) (*models.PulseRecord, error) {
	defer s.observe("get_pulse_record", time.Now())

	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, score, state, last_message_at, updated_at, message_count, last_topic, signal_history
		FROM pulse_records WHERE user_id = ?`, userID)

	var (
		record        models.PulseRecord
		state         string
		lastMessageAt int64
		updatedAt     int64
		lastTopic     sql.NullString
		history       string
	)
	err := row.Scan(&record.UserID, &record.Score, &state, &lastMessageAt, &updatedAt, &record.MessageCount, &lastTopic, &history)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pulse record: scan: %w", err)
	}

	record.State = models.ParsePulseState(state)
	record.LastMessageAt = fromMillis(lastMessageAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if lastTopic.Valid {
		topic := lastTopic.String
		record.LastTopic = &topic
	}
	record.SignalHistory = []models.SignalHistoryEntry{}
	if err := json.Unmarshal([]byte(history), &record.SignalHistory); err != nil {
		return nil, fmt.Errorf("get pulse record: decode history: %w", err)
	}
	return &record, nil
}

// SavePulseRecord writes record if the stored row still has expectedCount
// messages. An expectedCount of 0 means no row may exist yet. ErrConflict
// is returned when the row changed since it was read.
func (s *Store) SavePulseRecord(ctx context.Context, record *models.PulseRecord, expectedCount int) error {
	defer s.observe("save_pulse_record", time.Now())

	if record == nil || record.UserID == "" {
		return fmt.Errorf("save pulse record: user id is empty")
	}
	history := record.SignalHistory
	if history == nil {
		history = []models.SignalHistoryEntry{}
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("save pulse record: encode history: %w", err)
	}
	var lastTopic any
	if record.LastTopic != nil {
		lastTopic = *record.LastTopic
	}

	var res sql.Result
	if expectedCount == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO pulse_records (user_id, score, state, last_message_at, updated_at, message_count, last_topic, signal_history)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			record.UserID, record.Score, string(record.State), toMillis(record.LastMessageAt), toMillis(record.UpdatedAt),
			record.MessageCount, lastTopic, string(encoded))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE pulse_records SET
				score = ?, state = ?, last_message_at = ?, updated_at = ?,
				message_count = ?, last_topic = ?, signal_history = ?
			WHERE user_id = ? AND message_count = ?`,
			record.Score, string(record.State), toMillis(record.LastMessageAt), toMillis(record.UpdatedAt),
			record.MessageCount, lastTopic, string(encoded), record.UserID, expectedCount)
	}
	if err != nil {
		return fmt.Errorf("save pulse record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save pulse record: rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
