package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/models"
)

// PulseCache stores pulse records as JSON strings with a TTL so that every pod
// serving a user reads the same recent record. The SQL store stays authoritative.
type PulseCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPulseCache(rdb *redis.Client, ttl time.Duration) *PulseCache {
	return &PulseCache{rdb: rdb, ttl: ttl}
}

func pulseKey(userID string) string {
	return constants.PulseCacheKeyPrefix + userID
}

// Get returns (nil, nil) on a miss.
func (c *PulseCache) Get(ctx context.Context, userID string) (*models.PulseRecord, error) {
	raw, err := c.rdb.Get(ctx, pulseKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pulse cache get: %w", err)
	}

	var record models.PulseRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("pulse cache decode: %w", err)
	}
	return &record, nil
}

func (c *PulseCache) Set(ctx context.Context, record *models.PulseRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("pulse cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, pulseKey(record.UserID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("pulse cache set: %w", err)
	}
	return nil
}

func (c *PulseCache) Delete(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, pulseKey(userID)).Err(); err != nil {
		return fmt.Errorf("pulse cache delete: %w", err)
	}
	return nil
}
