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

const funnelColumns = `id, platform_user_id, user_id, chat_id, funnel_key, status, current_step, context, last_event_at, created_at, updated_at`

// InsertFunnelInstance inserts a new instance. Inserting a second ACTIVE
// instance for the same platform user fails with ErrActiveFunnelExists.
func (s *Store) InsertFunnelInstance(ctx context.Context, inst *models.FunnelInstance) error {
	defer s.observe("insert_funnel_instance", time.Now())

	funnelContext := inst.Context
	if funnelContext == nil {
		funnelContext = map[string]any{}
	}
	encoded, err := json.Marshal(funnelContext)
	if err != nil {
		return fmt.Errorf("insert funnel instance: encode context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO funnel_instances (`+funnelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.PlatformUserID, inst.UserID, inst.ChatID, inst.FunnelKey, string(inst.Status), inst.CurrentStepIndex,
		string(encoded), toMillis(inst.LastEventAt), toMillis(inst.CreatedAt), toMillis(inst.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrActiveFunnelExists
	}
	if err != nil {
		return fmt.Errorf("insert funnel instance: %w", err)
	}
	return nil
}

// GetActiveFunnel returns the single ACTIVE instance of a platform user.
func (s *Store) GetActiveFunnel(ctx context.Context, platformUserID string) (*models.FunnelInstance, error) {
	defer s.observe("get_active_funnel", time.Now())

	row := s.db.QueryRowContext(ctx, `SELECT `+funnelColumns+` FROM funnel_instances WHERE platform_user_id = ? AND status = ?`,
		platformUserID, string(models.FunnelActive))
	inst, err := scanFunnel(row)
	if err != nil {
		return nil, fmt.Errorf("get active funnel: %w", err)
	}
	return inst, nil
}

// GetFunnelInstance returns an instance by id in any status.
func (s *Store) GetFunnelInstance(ctx context.Context, id string) (*models.FunnelInstance, error) {
	defer s.observe("get_funnel_instance", time.Now())

	row := s.db.QueryRowContext(ctx, `SELECT `+funnelColumns+` FROM funnel_instances WHERE id = ?`, id)
	inst, err := scanFunnel(row)
	if err != nil {
		return nil, fmt.Errorf("get funnel instance: %w", err)
	}
	return inst, nil
}

// ListFunnelInstances returns every instance of a platform user, oldest first.
func (s *Store) ListFunnelInstances(ctx context.Context, platformUserID string) ([]*models.FunnelInstance, error) {
	defer s.observe("list_funnel_instances", time.Now())

	rows, err := s.db.QueryContext(ctx, `SELECT `+funnelColumns+` FROM funnel_instances WHERE platform_user_id = ? ORDER BY created_at, id`, platformUserID)
	if err != nil {
		return nil, fmt.Errorf("list funnel instances: %w", err)
	}
	return collectFunnels(rows)
}

// ListIdleActiveFunnels returns ACTIVE instances whose last event is at or before cutoff.
func (s *Store) ListIdleActiveFunnels(ctx context.Context, cutoff time.Time) ([]*models.FunnelInstance, error) {
	defer s.observe("list_idle_active_funnels", time.Now())

	rows, err := s.db.QueryContext(ctx, `SELECT `+funnelColumns+` FROM funnel_instances WHERE status = ? AND last_event_at <= ? ORDER BY last_event_at`,
		string(models.FunnelActive), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list idle funnels: %w", err)
	}
	return collectFunnels(rows)
}

// AdvanceFunnel moves an ACTIVE instance from fromStep to toStep.
func (s *Store) AdvanceFunnel(ctx context.Context, id string, fromStep, toStep int, at time.Time) error {
	defer s.observe("advance_funnel", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE funnel_instances SET current_step = ?, last_event_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_step = ?`,
		toStep, toMillis(at), toMillis(at), id, string(models.FunnelActive), fromStep)
	if err != nil {
		return fmt.Errorf("advance funnel: %w", err)
	}
	return requireOneRow(res, "advance funnel")
}

// TouchFunnel refreshes the last event time of an ACTIVE instance.
func (s *Store) TouchFunnel(ctx context.Context, id string, at time.Time) error {
	defer s.observe("touch_funnel", time.Now())

	res, err := s.db.ExecContext(ctx, `UPDATE funnel_instances SET last_event_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		toMillis(at), toMillis(at), id, string(models.FunnelActive))
	if err != nil {
		return fmt.Errorf("touch funnel: %w", err)
	}
	return requireOneRow(res, "touch funnel")
}

// FinishFunnel moves an ACTIVE instance to a terminal status. It reports false
// when the instance was no longer ACTIVE.
func (s *Store) FinishFunnel(ctx context.Context, id string, status models.FunnelStatus, at time.Time) (bool, error) {
	defer s.observe("finish_funnel", time.Now())

	if !status.Terminal() {
		return false, fmt.Errorf("finish funnel: %s is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE funnel_instances SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), toMillis(at), id, string(models.FunnelActive))
	if err != nil {
		return false, fmt.Errorf("finish funnel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish funnel: rows affected: %w", err)
	}
	return n == 1, nil
}

// ExpireIdleFunnel marks an ACTIVE instance EXPIRED if its last event is at or
// before cutoff. It reports whether the row was expired.
func (s *Store) ExpireIdleFunnel(ctx context.Context, id string, cutoff, at time.Time) (bool, error) {
	defer s.observe("expire_idle_funnel", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE funnel_instances SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND last_event_at <= ?`,
		string(models.FunnelExpired), toMillis(at), id, string(models.FunnelActive), toMillis(cutoff))
	if err != nil {
		return false, fmt.Errorf("expire idle funnel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire idle funnel: rows affected: %w", err)
	}
	return n == 1, nil
}

// RecentFunnelStarts returns funnels started for an internal user at or after since, newest first.
func (s *Store) RecentFunnelStarts(ctx context.Context, userID string, since time.Time) ([]models.RecentFunnel, error) {
	defer s.observe("recent_funnel_starts", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT funnel_key, created_at FROM funnel_instances
		WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC`, userID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("recent funnel starts: %w", err)
	}
	defer rows.Close()

	var out []models.RecentFunnel
	for rows.Next() {
		var (
			recent    models.RecentFunnel
			createdAt int64
		)
		if err := rows.Scan(&recent.FunnelKey, &createdAt); err != nil {
			return nil, fmt.Errorf("recent funnel starts: scan: %w", err)
		}
		recent.StartedAt = fromMillis(createdAt)
		out = append(out, recent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent funnel starts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunnel(row rowScanner) (*models.FunnelInstance, error) {
	var (
		inst        models.FunnelInstance
		status      string
		encoded     string
		lastEventAt int64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&inst.ID, &inst.PlatformUserID, &inst.UserID, &inst.ChatID, &inst.FunnelKey, &status,
		&inst.CurrentStepIndex, &encoded, &lastEventAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	inst.Status = models.FunnelStatus(status)
	inst.LastEventAt = fromMillis(lastEventAt)
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	inst.Context = map[string]any{}
	if err := json.Unmarshal([]byte(encoded), &inst.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &inst, nil
}

// collectFunnels drains and closes rows before returning so callers may issue
// further queries on a single-connection database.
func collectFunnels(rows *sql.Rows) ([]*models.FunnelInstance, error) {
	defer rows.Close()

	var out []*models.FunnelInstance
	for rows.Next() {
		inst, err := scanFunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func requireOneRow(res sql.Result, operation string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", operation, err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}
