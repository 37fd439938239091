// Package catalog provides the domain models for the versioned data
// catalog: organizations, registry entries, data sources, versions,
// version files, and dependency edges.
//
// Catalog rows are owned by an organization and survive job deletion;
// they are written by the store stage under a single transaction per
// batch. The PostgreSQL implementation lives in internal/storage.
package catalog

import (
	"encoding/json"
	"time"
)

type (
	// Organization is the namespace for one upstream source (UniProt,
	// NCBI, ...). Immutable after creation except for metadata.
	Organization struct {
		ID       int64
		Slug     string
		Name     string
		License  string
		Citation string

		CreatedAt time.Time
	}

	// RegistryEntry is the logical identity of a user-addressable
	// artifact. (OrganizationID, Slug) is unique; the slug is lowercase
	// and stable across versions.
	RegistryEntry struct {
		ID             int64
		OrganizationID int64
		Slug           string

		CreatedAt time.Time
	}

	// SourceType discriminates data source kinds.
	SourceType string

	// DataSource is the typed instantiation of a RegistryEntry. It
	// shares identity with its entry 1:1, so EntryID doubles as the data
	// source id. Type-specific metadata lives in a sibling details row.
	DataSource struct {
		EntryID int64
		Type    SourceType

		// Metadata is the opaque type-specific detail row.
		Metadata map[string]any
	}

	// Version is the immutable record of one release of a RegistryEntry.
	// (EntryID, Major, Minor) is unique; a patch component is forbidden
	// by schema CHECK. ExternalVersion is the upstream release label.
	Version struct {
		ID              int64
		EntryID         int64
		Major           int
		Minor           int
		ExternalVersion string

		// Summary is the change-detection snapshot the bump rules compare
		// against on the next ingestion.
		Summary json.RawMessage

		CreatedAt time.Time
	}

	// VersionFile is one format variant of a Version, unique per
	// (VersionID, Format).
	VersionFile struct {
		ID        int64
		VersionID int64
		Format    string
		ObjectKey string
		Size      int64
		Checksum  string
	}

	// EdgeKind discriminates dependency edge kinds.
	EdgeKind string

	// DependencyEdge is a version-pinned directed reference between two
	// local Versions, used to compute cascade bumps. Both endpoints are
	// specific versions, never entries.
	DependencyEdge struct {
		FromVersionID int64
		ToVersionID   int64
		Kind          EdgeKind
	}

	// SyncStatus records, per (organization, source type), the latest
	// successfully completed external version. Read by the mode
	// controller to decide whether a new release needs ingestion.
	SyncStatus struct {
		OrganizationID  int64
		SourceType      string
		ExternalVersion string
		CompletedAt     time.Time
	}
)

// Source types.
const (
	SourceProtein  SourceType = "protein"
	SourceTaxonomy SourceType = "taxonomy"
	SourceGenome   SourceType = "genome"
	SourceDomain   SourceType = "domain"
	SourceBundle   SourceType = "bundle"
)

// Dependency edge kinds.
const (
	EdgeRequired   EdgeKind = "required"
	EdgeReferences EdgeKind = "references"
)
