// Package ingest provides the domain models for the ingestion pipeline:
// jobs, raw files, work units, and staged records.
//
// This package defines the store interfaces the pipeline needs for
// persistence, following the Dependency Inversion Principle. Concrete
// implementations (PostgreSQL) live in the internal/storage package.
package ingest

import (
	"encoding/json"
	"time"
)

type (
	// Job represents one run of the pipeline for one
	// (organization, job type, external version) triple.
	//
	// A Job owns all of its RawFiles, WorkUnits, and StagedRecords;
	// deleting a job cascades to them. The triple is unique, which is
	// what prevents duplicate concurrent ingests of the same release.
	Job struct {
		ID int64

		// OrganizationID references the upstream source's namespace.
		OrganizationID int64

		// OrganizationSlug is denormalized onto the job by queries that
		// join organizations, so stages can build object keys without a
		// second lookup.
		OrganizationSlug string

		// JobType is the source name this job ingests (e.g. "uniprot").
		JobType string

		// ExternalVersion is the upstream release label (e.g. "2025_06").
		ExternalVersion string

		Status JobStatus

		// SourceMetadata carries discovery context, notably the
		// "is_current" flag used to suppress historical re-ingestion of
		// a release first seen on the upstream "current" path.
		SourceMetadata map[string]any

		RecordsProcessed int64
		RecordsStored    int64

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// RawFile is one downloaded artifact belonging to a Job.
	RawFile struct {
		ID    int64
		JobID int64

		// FileType identifies the artifact within the job (e.g. "data",
		// "checksums"). Unique per job.
		FileType string

		// ObjectKey is the transient object-store location,
		// ingest/<org>/<external_version>/<filename>.
		ObjectKey string

		ExpectedDigest string
		ComputedDigest string
		Verified       bool
		Status         RawFileStatus
		UpdatedAt      time.Time
	}

	// WorkUnit is one claimable batch of a Job, the unit of at-most-once
	// execution. Offsets describe a half-open range [StartOffset,
	// EndOffset): record indices for parse units, staged-record ids for
	// store units.
	WorkUnit struct {
		ID          int64
		JobID       int64
		UnitType    UnitType
		BatchNumber int
		StartOffset int64
		EndOffset   int64
		Status      UnitStatus

		// WorkerID and WorkerHostname identify the current claim holder.
		// Non-empty exactly while Status is claimed.
		WorkerID       string
		WorkerHostname string

		ClaimedAt   *time.Time
		HeartbeatAt *time.Time

		RetryCount int
		LastError  string
		UpdatedAt  time.Time
	}

	// UnitSpec describes a work unit to create: a batch number and its
	// half-open offset range.
	UnitSpec struct {
		BatchNumber int
		StartOffset int64
		EndOffset   int64
	}

	// StagedRecord is a parse-stage output row, the hand-off between the
	// parse and store stages. (JobID, RecordIdentifier) is unique, which
	// makes re-parsing the same offsets a no-op.
	StagedRecord struct {
		ID         int64
		JobID      int64
		WorkUnitID int64

		RecordType       string
		RecordIdentifier string

		// Payload is the schema-less parsed record, keyed by RecordType.
		Payload json.RawMessage

		// ContentDigest is the sha256 of Payload. SequenceDigest is an
		// optional digest of the record's primary content (e.g. a protein
		// sequence), used for change detection independent of metadata.
		ContentDigest  string
		SequenceDigest string

		SourceFile   string
		SourceOffset int64
		Status       RecordStatus
	}

	// Reference is a foreign identifier carried by a secondary-source
	// record, resolved by the cross-reference resolver at store time.
	Reference struct {
		// ForeignType is the source type of the referenced entity
		// (e.g. "protein" for a domain annotation).
		ForeignType string

		// Identifier is the referenced entity's stable identifier,
		// normalized to its slug form before lookup.
		Identifier string
	}

	// Record is a single parsed record as produced by a source parser.
	Record struct {
		Type       string
		Identifier string
		Payload    json.RawMessage

		// SequenceDigest is optional; empty when the record has no
		// primary-content digest.
		SequenceDigest string

		References []Reference
	}

	// Failure is a structured failure record written to the log table.
	Failure struct {
		JobID      int64
		WorkUnitID int64
		WorkerID   string
		Kind       string
		Message    string
		CreatedAt  time.Time
	}
)

// Failure kinds, matching the recovery table in the error handling design.
const (
	FailureKindTransient  = "transient_io"
	FailureKindIntegrity  = "integrity_mismatch"
	FailureKindParse      = "parse_error"
	FailureKindMissingRef = "missing_reference"
	FailureKindStall      = "stalled_claim"
	FailureKindConstraint = "constraint_violation"
	FailureKindExhausted  = "retries_exhausted"
)
