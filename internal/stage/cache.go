// Package stage implements the pipeline stages: download (coordinator
// inline), parse, and store (worker handlers). Stages hold no state of
// their own; everything durable lives in the stores.
package stage

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/refinery-io/refinery/internal/objectstore"
)

// lockRetryDelay is how often a waiting reader re-attempts the cache
// entry lock while a populator holds it.
const lockRetryDelay = 250 * time.Millisecond

// Cache is the on-disk decompression cache, keyed by
// (org, external_version, filename). Population happens at most once
// per key: a file lock serializes populators and a sentinel file marks
// completed entries, so readers on other claims of the same job wait
// instead of decompressing again.
type Cache struct {
	dir string
}

// NewCache creates a cache rooted at dir, creating it if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	return &Cache{dir: dir}, nil
}

// Get returns the local path of the decompressed view of an object,
// populating the cache on first use. Gzip objects (key ending in .gz)
// are decompressed; everything else is copied verbatim.
func (c *Cache) Get(ctx context.Context, store objectstore.Store, orgSlug, externalVersion, objectKey string) (string, error) {
	filename := strings.TrimSuffix(filepath.Base(objectKey), ".gz")
	entryDir := filepath.Join(c.dir, orgSlug, externalVersion)
	target := filepath.Join(entryDir, filename)
	sentinel := target + ".done"

	if err := os.MkdirAll(entryDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create cache entry dir: %w", err)
	}

	lock := flock.New(target + ".lock")

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("failed to lock cache entry %s: %w", target, err)
	}

	if !locked {
		return "", fmt.Errorf("failed to lock cache entry %s", target)
	}

	defer func() {
		_ = lock.Unlock()
	}()

	if _, err := os.Stat(sentinel); err == nil {
		return target, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to stat cache sentinel: %w", err)
	}

	if err := c.populate(ctx, store, objectKey, target); err != nil {
		return "", err
	}

	done, err := os.Create(sentinel) // #nosec G304 - path derived from validated cache key
	if err != nil {
		return "", fmt.Errorf("failed to create cache sentinel: %w", err)
	}

	if err := done.Close(); err != nil {
		return "", fmt.Errorf("failed to close cache sentinel: %w", err)
	}

	return target, nil
}

func (c *Cache) populate(ctx context.Context, store objectstore.Store, objectKey, target string) error {
	obj, err := store.Get(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("failed to open object %s: %w", objectKey, err)
	}

	defer func() {
		_ = obj.Close()
	}()

	var src io.Reader = obj

	if strings.HasSuffix(objectKey, ".gz") {
		gz, err := gzip.NewReader(obj)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream for %s: %w", objectKey, err)
		}

		defer func() {
			_ = gz.Close()
		}()

		src = gz
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".populate-*")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to populate cache for %s: %w", objectKey, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close cache temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to publish cache entry: %w", err)
	}

	return nil
}
