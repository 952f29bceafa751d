package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrQuotaExceeded is returned by FileStore.Set when a value is larger than the configured limit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// FileStore keeps one file per key under a directory. Writes go to a temp file and are renamed
// into place so a reader never sees a partial value.
type FileStore struct {
	dir      string
	maxBytes int
}

// NewFileStore creates dir if needed. maxBytes limits a single value; 0 means unlimited.
func NewFileStore(dir string, maxBytes int) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, maxBytes: maxBytes}, nil
}

func (f *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("file store: invalid key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("file store: read %s: %w", p, err)
	}
	return data, true, nil
}

// Set implements Store.
func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return persistError(key, err)
	}
	if f.maxBytes > 0 && len(value) > f.maxBytes {
		return persistError(key, fmt.Errorf("%w: %d > %d bytes", ErrQuotaExceeded, len(value), f.maxBytes))
	}
	p, err := f.path(key)
	if err != nil {
		return persistError(key, err)
	}
	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return persistError(key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return persistError(key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return persistError(key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return persistError(key, err)
	}
	return nil
}

// Ping checks that the directory is still there.
func (f *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("file store: %s is not a directory", f.dir)
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }
