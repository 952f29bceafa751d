package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	createKVTable = `CREATE TABLE IF NOT EXISTS kv_store (
		k VARCHAR(191) NOT NULL PRIMARY KEY,
		v MEDIUMBLOB NOT NULL,
		updated_at BIGINT NOT NULL
	)`
	selectKV = `SELECT v FROM kv_store WHERE k = ?`
	upsertKV = `INSERT INTO kv_store (k, v, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
)

// MySQLConfig holds connection parameters. DSN wins over the individual fields when set.
type MySQLConfig struct {
	DSN      string
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

// FormatDSN builds a go-sql-driver DSN from the config.
func (c MySQLConfig) FormatDSN() (string, error) {
	if c.DSN != "" {
		parsed, err := mysql.ParseDSN(c.DSN)
		if err != nil {
			return "", fmt.Errorf("mysql store: parse dsn: %w", err)
		}
		return parsed.FormatDSN(), nil
	}
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Host + ":" + c.Port
	cfg.DBName = c.Database
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// MySQLStore implements Store on a single MySQL table.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the pool and ensures the table exists.
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	dsn, err := cfg.FormatDSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql store: open: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if _, err := db.ExecContext(ctx, createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql store: create table: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, selectKV, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mysql store: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Store.
func (s *MySQLStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertKV, key, value, time.Now().UnixMilli()); err != nil {
		return persistError(key, err)
	}
	return nil
}

// Ping implements Pinger.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
