package ingest

import (
	"errors"
	"fmt"
)

// Sentinel errors for status transition validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidTransition indicates a job status transition the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrTerminalStatus indicates an attempt to move a job out of a
	// terminal status.
	ErrTerminalStatus = errors.New("job status is terminal")
)

// JobStatus is the lifecycle state of a Job. The string values are the
// stable wire contract for monitoring dashboards and must be preserved
// byte-for-byte.
type JobStatus string

// Job statuses.
const (
	JobPending          JobStatus = "pending"
	JobDownloading      JobStatus = "downloading"
	JobDownloadVerified JobStatus = "download_verified"
	JobParsing          JobStatus = "parsing"
	JobStoring          JobStatus = "storing"
	JobFinalizing       JobStatus = "finalizing"
	JobCompleted        JobStatus = "completed"
	JobFailed           JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// jobSuccessors is the forward edge set of the job state machine. Any
// non-terminal status may additionally transition to failed.
var jobSuccessors = map[JobStatus]JobStatus{
	JobPending:          JobDownloading,
	JobDownloading:      JobDownloadVerified,
	JobDownloadVerified: JobParsing,
	JobParsing:          JobStoring,
	JobStoring:          JobFinalizing,
	JobFinalizing:       JobCompleted,
}

// ValidateJobTransition validates a job status transition.
//
// Valid transitions follow the pipeline order:
//
//	pending → downloading → download_verified → parsing → storing →
//	finalizing → completed
//
// plus any non-terminal status → failed. Terminal statuses (completed,
// failed) are immutable.
func ValidateJobTransition(from, to JobStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStatus, from, to)
	}

	if to == JobFailed {
		return nil
	}

	if jobSuccessors[from] != to {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// UnitType discriminates parse and store work units.
type UnitType string

// Work unit types.
const (
	UnitParse UnitType = "parse"
	UnitStore UnitType = "store"
)

// UnitStatus is the lifecycle state of a WorkUnit.
//
// Lifecycle: pending → claimed → (completed | failed | pending again on
// requeue). A unit in claimed always has a worker id and a heartbeat
// timestamp; completion happens only in the claim holder's transaction.
type UnitStatus string

// Work unit statuses.
const (
	UnitPending   UnitStatus = "pending"
	UnitClaimed   UnitStatus = "claimed"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
)

// RawFileStatus is the lifecycle state of a RawFile.
type RawFileStatus string

// Raw file statuses.
const (
	RawFileDownloading RawFileStatus = "downloading"
	RawFileDownloaded  RawFileStatus = "downloaded"
	RawFileVerified    RawFileStatus = "verified"
	RawFileFailed      RawFileStatus = "failed"
)

// RecordStatus is the lifecycle state of a StagedRecord.
type RecordStatus string

// Staged record statuses.
const (
	RecordStaged        RecordStatus = "staged"
	RecordFilesUploaded RecordStatus = "files_uploaded"
	RecordStored        RecordStatus = "stored"
	RecordFailed        RecordStatus = "failed"
)
