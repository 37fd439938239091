package stage

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"testing"

	"github.com/refinery-io/refinery/internal/objectstore"
)

func TestCacheGet(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()

	if _, err := store.Put(ctx, "ingest/uniprot/2025_06/uniprot.tsv", "", bytes.NewReader([]byte("id\nA1\n"))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache() failed: %v", err)
	}

	path, err := cache.Get(ctx, store, "uniprot", "2025_06", "ingest/uniprot/2025_06/uniprot.tsv")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil || string(got) != "id\nA1\n" {
		t.Fatalf("cache content = %q, %v", got, err)
	}
}

func TestCacheGetDecompressesGzip(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()

	var compressed bytes.Buffer

	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write([]byte("id\nA1\n")); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}

	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}

	if _, err := store.Put(ctx, "ingest/uniprot/2025_06/uniprot.tsv.gz", "", &compressed); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache() failed: %v", err)
	}

	path, err := cache.Get(ctx, store, "uniprot", "2025_06", "ingest/uniprot/2025_06/uniprot.tsv.gz")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil || string(got) != "id\nA1\n" {
		t.Fatalf("decompressed content = %q, %v", got, err)
	}
}

// A second Get must serve the sentinel-marked entry without touching
// the object store again.
func TestCacheGetPopulatesOnce(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()

	const key = "ingest/uniprot/2025_06/uniprot.tsv"

	if _, err := store.Put(ctx, key, "", bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache() failed: %v", err)
	}

	first, err := cache.Get(ctx, store, "uniprot", "2025_06", key)
	if err != nil {
		t.Fatalf("first Get() failed: %v", err)
	}

	// Change the object; a cached entry must not notice.
	if _, err := store.Put(ctx, key, "", bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	second, err := cache.Get(ctx, store, "uniprot", "2025_06", key)
	if err != nil {
		t.Fatalf("second Get() failed: %v", err)
	}

	if first != second {
		t.Fatalf("paths differ: %q vs %q", first, second)
	}

	got, err := os.ReadFile(second)
	if err != nil || string(got) != "first" {
		t.Fatalf("cache served %q, want the originally populated content", got)
	}
}

func TestCacheGetConcurrent(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()

	const key = "ingest/uniprot/2025_06/uniprot.tsv"

	if _, err := store.Put(ctx, key, "", bytes.NewReader([]byte("content"))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache() failed: %v", err)
	}

	const workers = 8

	paths := make(chan string, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		go func() {
			path, err := cache.Get(ctx, store, "uniprot", "2025_06", key)
			paths <- path
			errs <- err
		}()
	}

	var first string

	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Get() failed: %v", err)
		}

		path := <-paths
		if first == "" {
			first = path
		} else if path != first {
			t.Fatalf("concurrent Get() paths differ: %q vs %q", path, first)
		}
	}
}
