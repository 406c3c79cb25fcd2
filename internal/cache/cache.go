package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/city-weather-board/internal/models"
)

// Snapshot is the persisted form of the weather board: records in board order
// and the time of the last full refresh.
type Snapshot struct {
	Records     []models.WeatherRecord `json:"records"`
	RefreshedAt time.Time              `json:"refreshedAt"`
}

// Cache persists the board snapshot outside the process.
// Load returns (snapshot, true, nil) when one was saved, (zero, false, nil) when empty.
type Cache interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// InMemoryCache implements Cache with a mutex-guarded copy of the last snapshot.
type InMemoryCache struct {
	mu    sync.RWMutex
	snap  Snapshot
	saved bool
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{}
}

// Load returns a copy of the last saved snapshot.
func (c *InMemoryCache) Load(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.saved {
		return Snapshot{}, false, nil
	}
	return copySnapshot(c.snap), true, nil
}

// Save replaces the stored snapshot.
func (c *InMemoryCache) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.snap = copySnapshot(snap)
	c.saved = true
	c.mu.Unlock()
	return nil
}

func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{RefreshedAt: s.RefreshedAt}
	if s.Records != nil {
		out.Records = make([]models.WeatherRecord, len(s.Records))
		copy(out.Records, s.Records)
	}
	return out
}
