package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"proactive-outreach-engine/pkg/models"
)

// TopicQuery filters eligible topics for a user.
type TopicQuery struct {
	MinConfidence  int
	Phases         []models.TopicPhase
	InactiveBefore time.Time
	Limit          int
}

// EnsureUser returns the internal id for a platform user, creating it if needed.
func (s *Store) EnsureUser(ctx context.Context, platformUserID string, at time.Time) (string, error) {
	defer s.observe("ensure_user", time.Now())

	if platformUserID == "" {
		return "", fmt.Errorf("ensure user: platform user id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, platform_user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(platform_user_id) DO NOTHING`, uuid.New().String(), platformUserID, toMillis(at))
	if err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}
	return s.ResolveUserID(ctx, platformUserID)
}

// ResolveUserID maps a platform user id to the internal user id.
func (s *Store) ResolveUserID(ctx context.Context, platformUserID string) (string, error) {
	defer s.observe("resolve_user_id", time.Now())

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE platform_user_id = ?`, platformUserID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve user id: %w", err)
	}
	return id, nil
}

// CreateTopic inserts a topic intent and sets its ID.
func (s *Store) CreateTopic(ctx context.Context, topic *models.TopicIntent) error {
	defer s.observe("create_topic", time.Now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_intents (user_id, topic, category, confidence, phase, last_signal_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		topic.UserID, topic.Topic, topic.Category, topic.Confidence, string(topic.Phase), toMillis(topic.LastSignalAt))
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create topic: last insert id: %w", err)
	}
	topic.ID = id
	return nil
}

// GetTopic returns a topic intent by id.
func (s *Store) GetTopic(ctx context.Context, id int64) (*models.TopicIntent, error) {
	defer s.observe("get_topic", time.Now())

	var (
		topic        models.TopicIntent
		phase        string
		lastSignalAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, topic, category, confidence, phase, last_signal_at
		FROM topic_intents WHERE id = ?`, id).
		Scan(&topic.ID, &topic.UserID, &topic.Topic, &topic.Category, &topic.Confidence, &phase, &lastSignalAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	topic.Phase = models.TopicPhase(phase)
	topic.LastSignalAt = fromMillis(lastSignalAt)
	return &topic, nil
}

// EligibleTopics returns a user's topics matching q, highest confidence first.
func (s *Store) EligibleTopics(ctx context.Context, userID string, q TopicQuery) ([]models.TopicIntent, error) {
	defer s.observe("eligible_topics", time.Now())

	if len(q.Phases) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Phases)), ", ")
	args := []any{userID, q.MinConfidence, toMillis(q.InactiveBefore)}
	for _, phase := range q.Phases {
		args = append(args, string(phase))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, topic, category, confidence, phase, last_signal_at
		FROM topic_intents
		WHERE user_id = ? AND confidence >= ? AND last_signal_at <= ? AND phase IN (`+placeholders+`)
		ORDER BY confidence DESC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("eligible topics: %w", err)
	}
	defer rows.Close()

	var out []models.TopicIntent
	for rows.Next() {
		var (
			topic        models.TopicIntent
			phase        string
			lastSignalAt int64
		)
		if err := rows.Scan(&topic.ID, &topic.UserID, &topic.Topic, &topic.Category, &topic.Confidence, &phase, &lastSignalAt); err != nil {
			return nil, fmt.Errorf("eligible topics: scan: %w", err)
		}
		topic.Phase = models.TopicPhase(phase)
		topic.LastSignalAt = fromMillis(lastSignalAt)
		out = append(out, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eligible topics: %w", err)
	}
	return out, nil
}

// AddUserKeyword records a preference or goal keyword for a user.
func (s *Store) AddUserKeyword(ctx context.Context, userID, kind, keyword string, at time.Time) error {
	defer s.observe("add_user_keyword", time.Now())

	_, err := s.db.ExecContext(ctx, `INSERT INTO user_keywords (user_id, kind, keyword, active, created_at) VALUES (?, ?, ?, 1, ?)`,
		userID, kind, strings.ToLower(strings.TrimSpace(keyword)), toMillis(at))
	if err != nil {
		return fmt.Errorf("add user keyword: %w", err)
	}
	return nil
}

// UserKeywords returns the most recent active preference and goal keywords.
func (s *Store) UserKeywords(ctx context.Context, userID string, limit int) (preferences, goals []string, err error) {
	defer s.observe("user_keywords", time.Now())

	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, keyword FROM (
			SELECT kind, keyword, created_at, id,
				ROW_NUMBER() OVER (PARTITION BY kind ORDER BY created_at DESC, id DESC) AS rn
			FROM user_keywords WHERE user_id = ? AND active = 1
		) WHERE rn <= ? ORDER BY kind, created_at DESC, id DESC`, userID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("user keywords: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, keyword string
		if err := rows.Scan(&kind, &keyword); err != nil {
			return nil, nil, fmt.Errorf("user keywords: scan: %w", err)
		}
		if kind == "goal" {
			goals = append(goals, keyword)
		} else {
			preferences = append(preferences, keyword)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("user keywords: %w", err)
	}
	return preferences, goals, nil
}

// TouchSession records one user message in a rolling 24h activity window.
func (s *Store) TouchSession(ctx context.Context, userID string, at time.Time) error {
	defer s.observe("touch_session", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_activity (user_id, last_message_at, window_start, window_messages)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			window_messages = CASE WHEN excluded.last_message_at - session_activity.window_start > ?
				THEN 1 ELSE session_activity.window_messages + 1 END,
			window_start = CASE WHEN excluded.last_message_at - session_activity.window_start > ?
				THEN excluded.last_message_at ELSE session_activity.window_start END,
			last_message_at = MAX(session_activity.last_message_at, excluded.last_message_at)`,
		userID, toMillis(at), toMillis(at), (24 * time.Hour).Milliseconds(), (24 * time.Hour).Milliseconds())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// GetSessionActivity returns the activity summary for a user.
func (s *Store) GetSessionActivity(ctx context.Context, userID string) (models.SessionActivity, error) {
	defer s.observe("get_session_activity", time.Now())

	var lastMessageAt int64
	var activity models.SessionActivity
	err := s.db.QueryRowContext(ctx, `SELECT last_message_at, window_messages FROM session_activity WHERE user_id = ?`, userID).
		Scan(&lastMessageAt, &activity.Messages24h)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionActivity{}, ErrNotFound
	}
	if err != nil {
		return models.SessionActivity{}, fmt.Errorf("get session activity: %w", err)
	}
	activity.LastMessageAt = fromMillis(lastMessageAt)
	return activity, nil
}
