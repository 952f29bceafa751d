package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedKeyPrefix = "tourweather:"

// MemcachedStore implements Store on memcached. Items are written without expiration;
// staleness is decided by the reader from the capture time inside the value.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
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
	return &MemcachedStore{client: client}
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

// Get implements Store. A memcached miss is (nil, false, nil).
func (c *MemcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := c.client.Get(memcachedKeyPrefix + key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Store. Values over the server item size limit fail with ErrPersist.
func (c *MemcachedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return persistError(key, err)
	}
	if err := c.client.Set(&memcache.Item{Key: memcachedKeyPrefix + key, Value: value}); err != nil {
		return persistError(key, err)
	}
	return nil
}

// Ping checks if memcached is reachable.
func (c *MemcachedStore) Ping(ctx context.Context) error {
	return c.client.Ping()
}

// Close closes the memcached client connections.
func (c *MemcachedStore) Close() error {
	return c.client.Close()
}
