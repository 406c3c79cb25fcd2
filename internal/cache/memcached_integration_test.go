//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"
)

// TestMemcachedCache_SaveLoad_Integration verifies that MemcachedCache successfully
// stores and retrieves the snapshot when memcached server is available.
func TestMemcachedCache_SaveLoad_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Save(ctx, sampleSnapshot()); err != nil {
		t.Skipf("Save failed (memcached may not be running): %v", err)
	}

	got, ok, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatal("Load() ok = false, want true")
	}
	if len(got.Records) != 2 || got.Records[0].City != "Москва" {
		t.Errorf("Load() = %+v", got)
	}
}

// TestMemcachedCache_Load_Miss_Integration verifies that MemcachedCache returns
// ok=false when no snapshot was saved under the key.
func TestMemcachedCache_Load_Miss_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()
	c.key = "weather:board:missing"

	_, ok, err := c.Load(context.Background())
	if err != nil {
		t.Skipf("Load failed (memcached may not be running): %v", err)
	}
	if ok {
		t.Error("Load() ok = true, want false for miss")
	}
}
