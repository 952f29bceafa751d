package store

import (
	"context"
	"fmt"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory    = "memory"
	BackendFile      = "file"
	BackendMemcached = "memcached"
	BackendMySQL     = "mysql"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	Dir           string
	MaxValueBytes int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	MySQL MySQLConfig
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Dir, cfg.MaxValueBytes)
	case BackendMemcached:
		return NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
	case BackendMySQL:
		return NewMySQLStore(ctx, cfg.MySQL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
