// Package cache keeps downloaded source objects on the worker's local volume
// so repeated jobs for the same key skip the remote transfer.
//
// The cache is not coordinated across goroutines or processes. Two jobs that
// miss on the same key at the same time both fetch it; the last rename wins.
// Entries are never invalidated against the remote object. Distinct keys
// always map to distinct files.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/enhance-worker/internal/metrics"
	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// Subdirectories of the cache root holding escaped and hashed entries.
const (
	keyDir  = "k"
	hashDir = "h"
)

// FetchFunc downloads key into dest.
type FetchFunc func(ctx context.Context, key, dest string) error

// Entry describes one cached object.
type Entry struct {
	Key            string
	LocalPath      string
	SizeBytes      int64
	LastVerifiedAt time.Time
}

// Cache is a directory of downloaded objects addressed by object key.
type Cache struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// GetOrFetch returns the local path of key, calling fetch only when no
// non-empty cached file exists.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	path, err := c.pathFor(key)
	if err != nil {
		return "", err
	}

	if entry, ok := c.stat(key, path); ok {
		metrics.CacheLookups.WithLabelValues(metrics.OutcomeHit).Inc()
		c.logger.Info("Cache hit",
			slog.String("key", key),
			slog.String("path", entry.LocalPath),
			slog.Int64("size_bytes", entry.SizeBytes),
		)
		return entry.LocalPath, nil
	}

	metrics.CacheLookups.WithLabelValues(metrics.OutcomeMiss).Inc()
	c.logger.Info("Cache miss, fetching object", slog.String("key", key))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := fetch(ctx, key, path); err != nil {
		return "", err
	}

	entry, ok := c.stat(key, path)
	if !ok {
		return "", fmt.Errorf("%w: cached object %s is missing or empty after fetch", domain.ErrFetch, key)
	}

	c.logger.Info("Object cached",
		slog.String("key", key),
		slog.String("path", entry.LocalPath),
		slog.Int64("size_bytes", entry.SizeBytes),
	)
	return entry.LocalPath, nil
}

// Lookup returns the entry for key if a non-empty file is cached.
func (c *Cache) Lookup(key string) (Entry, bool) {
	path, err := c.pathFor(key)
	if err != nil {
		return Entry{}, false
	}
	return c.stat(key, path)
}

func (c *Cache) stat(key, path string) (Entry, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return Entry{}, false
	}
	return Entry{
		Key:            key,
		LocalPath:      path,
		SizeBytes:      info.Size(),
		LastVerifiedAt: c.now(),
	}, true
}

func (c *Cache) pathFor(key string) (string, error) {
	name, err := entryName(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.dir, filepath.FromSlash(name)), nil
}

// maxEscapedName keeps escaped names under common filesystem name limits.
const maxEscapedName = 200

// entryName maps an object key onto a cache-relative file path. Keys are
// literal, so the mapping is one-to-one: the whole key is path-escaped into a
// single file name under keyDir, with '/' and '%' escaped as well. Keys whose
// escaped form is too long are named by their SHA-256 under hashDir.
func entryName(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", domain.Validationf("object key is required")
	}
	if key == "." || key == ".." {
		return "", domain.Validationf("invalid object key %q", key)
	}

	escaped := url.PathEscape(key)
	if len(escaped) > maxEscapedName {
		sum := sha256.Sum256([]byte(key))
		return hashDir + "/" + hex.EncodeToString(sum[:]), nil
	}
	return keyDir + "/" + escaped, nil
}
