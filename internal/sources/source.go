// Package sources defines the source plugin contract: what the engine
// needs to know about an upstream provider to discover, download,
// parse, and publish its releases. Everything source-specific lives
// behind the Plugin interface; the pipeline stages are source-agnostic.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/ingest"
)

// Sentinel errors.
var (
	// ErrUnknownSource is returned when no plugin is registered under a
	// name.
	ErrUnknownSource = errors.New("unknown source")

	// ErrDuplicateSource is returned when a plugin name is registered
	// twice.
	ErrDuplicateSource = errors.New("source already registered")
)

// Artifact describes one downloadable file of a release.
type Artifact struct {
	// RelPath is the path of the file inside a release directory. A
	// {version} placeholder is replaced with the external version.
	RelPath string

	// FileType identifies the artifact within the job ("data",
	// "checksums", ...). Unique per source.
	FileType string

	// DigestSource names the FileType of the checksum manifest carrying
	// this artifact's expected digest. Empty means no integrity check.
	DigestSource string
}

// MissingRefPolicy selects what a store unit does with a record whose
// foreign reference resolves to nothing in the catalog.
type MissingRefPolicy string

const (
	// MissingRefSkip stores the record without an edge for the missing
	// reference and logs a warning. The zero value defaults here.
	MissingRefSkip MissingRefPolicy = "skip"

	// MissingRefFail fails the store unit instead.
	MissingRefFail MissingRefPolicy = "fail"
)

// OrganizationInfo is the catalog organization a source belongs to.
type OrganizationInfo struct {
	Slug     string
	Name     string
	License  string
	Citation string
}

// Descriptor is the static description of an upstream source.
type Descriptor struct {
	// Name is the source name, used as the job_type.
	Name string

	Organization OrganizationInfo
	SourceType   catalog.SourceType

	// BaseURL is the provider root; all other paths are relative to it.
	BaseURL string

	// ReleaseNotesPath locates the current release notes.
	ReleaseNotesPath string

	// ListingPath locates the directory listing of historical releases.
	ListingPath string

	// HistoricalDirPattern is a regex over listing entries whose first
	// capture group is the external version (e.g. `release-(\d{4}_\d{2})`).
	HistoricalDirPattern string

	// VersionDirTemplate formats the release directory for an external
	// version (e.g. "release-%s").
	VersionDirTemplate string

	// Artifacts are the files downloaded per release. The artifact with
	// FileType "data" feeds the parser.
	Artifacts []Artifact

	// Formats are the published format variant names per record.
	Formats []string

	// BatchSize is the default records-per-work-unit for this source.
	BatchSize int

	// MissingRefs selects the missing-reference policy for this
	// source's store units. Empty means MissingRefSkip.
	MissingRefs MissingRefPolicy
}

// ReleaseNotesURL returns the absolute URL of the release notes.
func (d Descriptor) ReleaseNotesURL() string {
	return joinURL(d.BaseURL, d.ReleaseNotesPath)
}

// ListingURL returns the absolute URL of the historical listing.
func (d Descriptor) ListingURL() string {
	return joinURL(d.BaseURL, d.ListingPath)
}

// ArtifactURL returns the absolute URL of an artifact within one
// release, expanding the {version} placeholder.
func (d Descriptor) ArtifactURL(externalVersion, relPath string) string {
	dir := fmt.Sprintf(d.VersionDirTemplate, externalVersion)
	relPath = strings.ReplaceAll(relPath, "{version}", externalVersion)

	return joinURL(d.BaseURL, dir+"/"+relPath)
}

func joinURL(base, rel string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rel, "/")
}

// Variant is one published format rendering of a record.
type Variant struct {
	Format  string
	Content []byte
}

// Sink receives parse output. Well-formed records and malformed input
// are reported separately so the parse stage can apply its error
// threshold without aborting on the first bad row.
type Sink interface {
	// Record receives one well-formed record. A non-nil return aborts
	// the parse.
	Record(rec ingest.Record) error

	// Malformed receives the input offset and error of one unparseable
	// record. A non-nil return aborts the parse.
	Malformed(offset int64, parseErr error) error
}

// Plugin is the full source contract: static description plus the
// source-specific version extraction, parsing, change summarization,
// and format rendering.
type Plugin interface {
	// Descriptor returns the source description. Must be constant for
	// the life of the plugin.
	Descriptor() Descriptor

	// ExtractVersion pulls the concrete external version out of the
	// release notes body.
	ExtractVersion(releaseNotes []byte) (string, error)

	// Parse streams records out of the data artifact into the sink.
	Parse(ctx context.Context, r io.Reader, sink Sink) error

	// Summarize derives the change-detection snapshot from a record
	// payload.
	Summarize(payload json.RawMessage) (catalog.ChangeSummary, error)

	// References extracts the foreign references a record payload
	// carries, for cross-reference resolution at store time.
	References(payload json.RawMessage) ([]ingest.Reference, error)

	// SourceMetadata derives the type-specific data source detail row
	// from a record payload.
	SourceMetadata(payload json.RawMessage) (map[string]any, error)

	// Variants renders the published format variants for a staged
	// record.
	Variants(rec ingest.StagedRecord) ([]Variant, error)
}

// Registry holds the registered source plugins. Safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin under its descriptor name.
func (r *Registry) Register(p Plugin) error {
	name := p.Descriptor().Name
	if name == "" {
		return fmt.Errorf("%w: empty source name", ErrUnknownSource)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}

	r.plugins[name] = p

	return nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	return p, nil
}

// Names returns the registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
