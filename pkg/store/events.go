package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"proactive-outreach-engine/pkg/models"
)

// AppendFunnelEvent writes one analytics event row.
func (s *Store) AppendFunnelEvent(ctx context.Context, event models.FunnelEvent) error {
	defer s.observe("append_funnel_event", time.Now())

	var payload any
	if len(event.Payload) > 0 {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("append funnel event: encode payload: %w", err)
		}
		payload = string(encoded)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funnel_events (instance_id, platform_user_id, funnel_key, event_type, step_index, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, event.PlatformUserID, event.FunnelKey, string(event.Type), event.StepIndex, payload, toMillis(event.At))
	if err != nil {
		return fmt.Errorf("append funnel event: %w", err)
	}
	return nil
}

// ListFunnelEvents returns the events of an instance in write order.
func (s *Store) ListFunnelEvents(ctx context.Context, instanceID string) ([]models.FunnelEvent, error) {
	defer s.observe("list_funnel_events", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, platform_user_id, funnel_key, event_type, step_index, payload, created_at
		FROM funnel_events WHERE instance_id = ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list funnel events: %w", err)
	}
	defer rows.Close()

	var out []models.FunnelEvent
	for rows.Next() {
		var (
			event     models.FunnelEvent
			eventType string
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&event.InstanceID, &event.PlatformUserID, &event.FunnelKey, &eventType, &event.StepIndex, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("list funnel events: scan: %w", err)
		}
		event.Type = models.FunnelEventType(eventType)
		event.At = fromMillis(createdAt)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &event.Payload); err != nil {
				return nil, fmt.Errorf("list funnel events: decode payload: %w", err)
			}
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list funnel events: %w", err)
	}
	return out, nil
}
