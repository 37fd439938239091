// Package xref resolves cross-references between secondary-source
// records and the catalog entries they point at.
//
// A reference carries a foreign source type and an identifier; the
// resolver maps it to the current (highest) version id of the matching
// registry entry. Lookups are batched per store unit and cached for the
// life of the resolver, since a job's store units overwhelmingly point
// at the same small set of targets.
package xref

import (
	"context"
	"fmt"
	"sync"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/ingest"
)

// Lookup is the catalog query the resolver depends on.
type Lookup interface {
	// ResolveCurrent maps entry slugs to their latest version id within
	// (organization, source type). Unknown slugs are absent from the map.
	ResolveCurrent(ctx context.Context, orgID int64, sourceType catalog.SourceType, slugs []string) (map[string]int64, error)
}

type cacheKey struct {
	orgID      int64
	sourceType string
	slug       string
}

// Resolver resolves references against one organization's catalog with
// a read-through cache. Safe for concurrent use by handler goroutines.
type Resolver struct {
	lookup Lookup

	mu    sync.RWMutex
	cache map[cacheKey]int64
}

// NewResolver creates a Resolver over the given catalog lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache:  make(map[cacheKey]int64),
	}
}

// Resolve maps each reference to the current version id of its target.
// Identifiers are normalized to slug form before lookup. References
// whose target does not exist in the catalog come back in missing; the
// caller decides whether that fails the record.
func (r *Resolver) Resolve(ctx context.Context, orgID int64, refs []ingest.Reference) (map[ingest.Reference]int64, []ingest.Reference, error) {
	resolved := make(map[ingest.Reference]int64, len(refs))

	// Partition into cache hits and misses, deduplicating misses.
	missKeys := make(map[cacheKey][]ingest.Reference)

	r.mu.RLock()

	for _, ref := range refs {
		key := cacheKey{orgID: orgID, sourceType: ref.ForeignType, slug: ingest.NormalizeSlug(ref.Identifier)}
		if id, ok := r.cache[key]; ok {
			resolved[ref] = id
		} else {
			missKeys[key] = append(missKeys[key], ref)
		}
	}

	r.mu.RUnlock()

	if len(missKeys) == 0 {
		return resolved, nil, nil
	}

	// Group misses by source type for batched lookups.
	byType := make(map[string][]string)
	for key := range missKeys {
		byType[key.sourceType] = append(byType[key.sourceType], key.slug)
	}

	var missing []ingest.Reference

	for sourceType, slugs := range byType {
		found, err := r.lookup.ResolveCurrent(ctx, orgID, catalog.SourceType(sourceType), slugs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve %s references: %w", sourceType, err)
		}

		r.mu.Lock()

		for _, slug := range slugs {
			key := cacheKey{orgID: orgID, sourceType: sourceType, slug: slug}

			id, ok := found[slug]
			if ok {
				r.cache[key] = id
			}

			for _, ref := range missKeys[key] {
				if ok {
					resolved[ref] = id
				} else {
					missing = append(missing, ref)
				}
			}
		}

		r.mu.Unlock()
	}

	return resolved, missing, nil
}

// Invalidate clears the cache. Called between jobs so a long-lived
// worker observes catalog writes from other jobs.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]int64)
	r.mu.Unlock()
}

// CacheSize returns the number of cached resolutions.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.cache)
}
