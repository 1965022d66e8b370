package pulse

import (
	"context"
	"sync"

	"proactive-outreach-engine/pkg/models"
)

// Cache is a non-authoritative per-user record cache. A miss returns (nil, nil).
type Cache interface {
	Get(ctx context.Context, userID string) (*models.PulseRecord, error)
	Set(ctx context.Context, record *models.PulseRecord) error
	Delete(ctx context.Context, userID string) error
}

// MemoryCache keeps records in process. Records are cloned on the way in and
// out so callers never alias cached state.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[string]*models.PulseRecord
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]*models.PulseRecord)}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (*models.PulseRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[userID].Clone(), nil
}

func (c *MemoryCache) Set(_ context.Context, record *models.PulseRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.UserID] = record.Clone()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, userID)
	return nil
}
