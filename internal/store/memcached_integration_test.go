//go:build integration
// +build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func memcachedAddr() string {
	if a := os.Getenv("MEMCACHED_ADDRS"); a != "" {
		return a
	}
	return "localhost:11211"
}

// TestMemcachedStore_GetSet_Integration verifies that MemcachedStore round-trips a value
// when a memcached server is available.
func TestMemcachedStore_GetSet_Integration(t *testing.T) {
	s := NewMemcachedStore(memcachedAddr(), 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}
	val := []byte(`{"lisbon_metric":{"capturedAtMillis":1}}`)
	if err := s.Set(ctx, "weather_cache_it", val); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := s.Get(ctx, "weather_cache_it")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got) != string(val) {
		t.Errorf("Get() = %s, want %s", got, val)
	}
}

// TestMemcachedStore_Get_Miss_Integration verifies ok=false for an absent key.
func TestMemcachedStore_Get_Miss_Integration(t *testing.T) {
	s := NewMemcachedStore(memcachedAddr(), 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	_, ok, err := s.Get(ctx, "nonexistent-"+time.Now().Format("150405.000"))
	if err != nil {
		t.Skipf("Get failed (memcached may not be running): %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}
