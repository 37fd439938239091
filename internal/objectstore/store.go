// Package objectstore abstracts blob storage for raw downloads and
// published format variants. Keys are flat, slash-separated paths.
//
// Two key spaces exist: transient keys under ingest/ hold raw downloads
// scoped to a job, and canonical keys embed the planned version numbers
// of published artifacts. Canonical keys are only referenced from the
// catalog after the store transaction commits, so an upload that never
// commits is an unreferenced blob, never a dangling catalog row.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Store is the blob storage interface the pipeline stages use.
type Store interface {
	// Put writes an object, replacing any existing object at key. The
	// write is atomic: readers never observe a partial object.
	Put(ctx context.Context, key, contentType string, r io.Reader) (size int64, err error)

	// Get opens an object for reading. Returns ErrObjectNotFound when
	// the key does not exist. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns the keys under a prefix, sorted. Used by the
	// transient-prefix sweep after job completion.
	List(ctx context.Context, prefix string) ([]string, error)
}

// TransientKey builds the object key for a raw download owned by an
// ingestion job: ingest/<org>/<external_version>/<filename>.
func TransientKey(orgSlug, externalVersion, filename string) string {
	return fmt.Sprintf("ingest/%s/%s/%s", orgSlug, externalVersion, filename)
}

// CanonicalKey builds the object key for a published format variant:
// <org>/<entry>/<major>.<minor>/<filename>. The version numbers come
// from the version plan, computed before upload.
func CanonicalKey(orgSlug, entrySlug string, major, minor int, filename string) string {
	return fmt.Sprintf("%s/%s/%d.%d/%s", orgSlug, entrySlug, major, minor, filename)
}

// contentTypes maps format variant names to MIME content types.
var contentTypes = map[string]string{
	"json":  "application/json",
	"fasta": "text/x-fasta",
	"tsv":   "text/tab-separated-values",
	"csv":   "text/csv",
	"xml":   "application/xml",
	"hmm":   "text/plain",
	"gzip":  "application/gzip",
}

// ContentTypeForFormat returns the MIME content type for a format
// variant name, defaulting to application/octet-stream.
func ContentTypeForFormat(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}

	return "application/octet-stream"
}
