package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// DefaultSnapshotKey is the key the board snapshot is stored under.
const DefaultSnapshotKey = "weather:board"

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
	key    string
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, key: DefaultSnapshotKey}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Load implements Cache.Load. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Load(ctx context.Context) (Snapshot, bool, error) {
	if ctx.Err() != nil {
		return Snapshot{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(item.Value, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Save implements Cache.Save. The snapshot never expires; freshness is judged
// from RefreshedAt by the store.
func (c *MemcachedCache) Save(ctx context.Context, snap Snapshot) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:   c.key,
		Value: raw,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
