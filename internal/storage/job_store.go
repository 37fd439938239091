package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
)

// ErrJobStoreFailed is returned when a job store operation fails.
var ErrJobStoreFailed = errors.New("job store operation failed")

// JobStore provides durable state for ingestion jobs, their raw files,
// and the failure log.
type JobStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewJobStore creates a PostgreSQL-backed job store.
func NewJobStore(conn *Connection) (*JobStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &JobStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

const jobColumns = `
	j.id, j.organization_id, o.slug, j.job_type, j.external_version,
	j.status, j.source_metadata, j.records_processed, j.records_stored,
	j.created_at, j.updated_at
`

// CreateJob inserts a new job for (organization, jobType,
// externalVersion). If a job for that triple already exists, the
// existing job is returned with existed=true so the caller can join it
// instead of creating a duplicate concurrent ingest.
func (s *JobStore) CreateJob(
	ctx context.Context,
	orgID int64,
	jobType, externalVersion string,
	metadata map[string]any,
) (*ingest.Job, bool, error) {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	query := `
		INSERT INTO ingestion_jobs (organization_id, job_type, external_version, source_metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, job_type, external_version) DO NOTHING
		RETURNING id
	`

	var id int64

	err = s.conn.QueryRowContext(ctx, query, orgID, jobType, externalVersion, metadataJSON).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: another caller created the job first. Join it.
		existing, err := s.GetJobByKey(ctx, orgID, jobType, externalVersion)
		if err != nil {
			return nil, false, err
		}

		s.logger.Info("joining existing job",
			slog.Int64("job_id", existing.ID),
			slog.String("job_type", jobType),
			slog.String("external_version", externalVersion),
			slog.String("status", string(existing.Status)),
		)

		return existing, true, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to insert job: %w", ErrJobStoreFailed, err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("created job",
		slog.Int64("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.String("external_version", externalVersion),
	)

	return job, false, nil
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID int64) (*ingest.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ingestion_jobs j
		JOIN organizations o ON o.id = j.organization_id
		WHERE j.id = $1
	`

	return s.scanJob(s.conn.QueryRowContext(ctx, query, jobID))
}

// GetJobByKey loads a job by its unique (organization, jobType,
// externalVersion) triple.
func (s *JobStore) GetJobByKey(ctx context.Context, orgID int64, jobType, externalVersion string) (*ingest.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ingestion_jobs j
		JOIN organizations o ON o.id = j.organization_id
		WHERE j.organization_id = $1 AND j.job_type = $2 AND j.external_version = $3
	`

	return s.scanJob(s.conn.QueryRowContext(ctx, query, orgID, jobType, externalVersion))
}

// ListJobs returns jobs ordered newest first, optionally filtered by
// status ("" means all).
func (s *JobStore) ListJobs(ctx context.Context, status ingest.JobStatus, limit int) ([]*ingest.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ingestion_jobs j
		JOIN organizations o ON o.id = j.organization_id
		WHERE ($1 = '' OR j.status = $1)
		ORDER BY j.created_at DESC
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list jobs: %w", ErrJobStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var jobs []*ingest.Job

	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list jobs: %w", ErrJobStoreFailed, err)
	}

	return jobs, nil
}

// AdvanceStatus moves a job from one status to another as a conditional
// update (WHERE status = from). Returns ErrStaleStatus when the job is
// no longer in the expected status, which makes the state machine a CAS:
// concurrent coordinators cannot double-apply a transition.
func (s *JobStore) AdvanceStatus(ctx context.Context, jobID int64, from, to ingest.JobStatus) error {
	if err := ingest.ValidateJobTransition(from, to); err != nil {
		return err
	}

	query := `
		UPDATE ingestion_jobs
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := s.conn.ExecContext(ctx, query, jobID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("%w: failed to advance job status: %w", ErrJobStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: job %d not in %s", ErrStaleStatus, jobID, from)
	}

	s.logger.Info("job status advanced",
		slog.Int64("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	return nil
}

// FailJob moves a job to the terminal failed status from whatever
// non-terminal status it is in, and records the reason in the failure
// log.
func (s *JobStore) FailJob(ctx context.Context, jobID int64, kind, reason string) error {
	query := `
		UPDATE ingestion_jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`

	_, err := s.conn.ExecContext(ctx, query, jobID,
		string(ingest.JobFailed), string(ingest.JobCompleted), string(ingest.JobFailed))
	if err != nil {
		return fmt.Errorf("%w: failed to fail job: %w", ErrJobStoreFailed, err)
	}

	if err := s.RecordFailure(ctx, ingest.Failure{JobID: jobID, Kind: kind, Message: reason}); err != nil {
		s.logger.Warn("failed to record job failure",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Error("job failed",
		slog.Int64("job_id", jobID),
		slog.String("kind", kind),
		slog.String("reason", reason),
	)

	return nil
}

// WasIngestedAsCurrent reports whether this external version was already
// ingested to completion from the upstream "current" path. Used by the
// historical mode to skip a release that has since moved into the
// archives: it is the same data.
func (s *JobStore) WasIngestedAsCurrent(ctx context.Context, orgID int64, jobType, externalVersion string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ingestion_jobs
			WHERE organization_id = $1
			  AND job_type = $2
			  AND external_version = $3
			  AND status = $4
			  AND source_metadata->>'is_current' = 'true'
		)
	`

	var exists bool

	err := s.conn.QueryRowContext(ctx, query, orgID, jobType, externalVersion, string(ingest.JobCompleted)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check current ingestion: %w", ErrJobStoreFailed, err)
	}

	return exists, nil
}

// UpsertRawFile records a raw file for (job, fileType), resetting it to
// the given status. The unique constraint makes re-running the download
// stage idempotent.
func (s *JobStore) UpsertRawFile(ctx context.Context, file *ingest.RawFile) error {
	query := `
		INSERT INTO ingestion_raw_files (job_id, file_type, object_key, expected_digest, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, file_type) DO UPDATE
		SET object_key = EXCLUDED.object_key,
			expected_digest = EXCLUDED.expected_digest,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id
	`

	err := s.conn.QueryRowContext(ctx, query,
		file.JobID, file.FileType, file.ObjectKey, file.ExpectedDigest, string(file.Status),
	).Scan(&file.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert raw file: %w", ErrJobStoreFailed, err)
	}

	return nil
}

// GetRawFile loads the raw file for (job, fileType). Returns ErrNotFound
// when none exists.
func (s *JobStore) GetRawFile(ctx context.Context, jobID int64, fileType string) (*ingest.RawFile, error) {
	query := `
		SELECT id, job_id, file_type, object_key,
			COALESCE(expected_digest, ''), COALESCE(computed_digest, ''),
			verified, status, updated_at
		FROM ingestion_raw_files
		WHERE job_id = $1 AND file_type = $2
	`

	var file ingest.RawFile

	var status string

	err := s.conn.QueryRowContext(ctx, query, jobID, fileType).Scan(
		&file.ID, &file.JobID, &file.FileType, &file.ObjectKey,
		&file.ExpectedDigest, &file.ComputedDigest,
		&file.Verified, &status, &file.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: raw file %d/%s", ErrNotFound, jobID, fileType)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load raw file: %w", ErrJobStoreFailed, err)
	}

	file.Status = ingest.RawFileStatus(status)

	return &file, nil
}

// MarkRawFileVerified records the computed digest and flips the raw file
// to verified.
func (s *JobStore) MarkRawFileVerified(ctx context.Context, rawFileID int64, computedDigest string) error {
	query := `
		UPDATE ingestion_raw_files
		SET computed_digest = $2, verified = TRUE, status = $3, updated_at = NOW()
		WHERE id = $1
	`

	_, err := s.conn.ExecContext(ctx, query, rawFileID, computedDigest, string(ingest.RawFileVerified))
	if err != nil {
		return fmt.Errorf("%w: failed to mark raw file verified: %w", ErrJobStoreFailed, err)
	}

	return nil
}

// MarkRawFileFailed records the computed digest (possibly mismatching)
// and flips the raw file to failed.
func (s *JobStore) MarkRawFileFailed(ctx context.Context, rawFileID int64, computedDigest string) error {
	query := `
		UPDATE ingestion_raw_files
		SET computed_digest = $2, verified = FALSE, status = $3, updated_at = NOW()
		WHERE id = $1
	`

	_, err := s.conn.ExecContext(ctx, query, rawFileID, computedDigest, string(ingest.RawFileFailed))
	if err != nil {
		return fmt.Errorf("%w: failed to mark raw file failed: %w", ErrJobStoreFailed, err)
	}

	return nil
}

// RecordFailure appends a structured failure record to the log table.
// Every unit failure and job failure lands here with job, unit, worker,
// kind, and message, alongside the structured log stream.
func (s *JobStore) RecordFailure(ctx context.Context, failure ingest.Failure) error {
	query := `
		INSERT INTO ingestion_failures (job_id, work_unit_id, worker_id, kind, message)
		VALUES ($1, NULLIF($2, 0), NULLIF($3, ''), $4, $5)
	`

	_, err := s.conn.ExecContext(ctx, query,
		failure.JobID, failure.WorkUnitID, failure.WorkerID, failure.Kind, failure.Message)
	if err != nil {
		return fmt.Errorf("%w: failed to record failure: %w", ErrJobStoreFailed, err)
	}

	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *JobStore) scanJob(row rowScanner) (*ingest.Job, error) {
	var (
		job          ingest.Job
		status       string
		metadataJSON []byte
	)

	err := row.Scan(
		&job.ID, &job.OrganizationID, &job.OrganizationSlug,
		&job.JobType, &job.ExternalVersion, &status, &metadataJSON,
		&job.RecordsProcessed, &job.RecordsStored,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job", ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan job: %w", ErrJobStoreFailed, err)
	}

	job.Status = ingest.JobStatus(status)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.SourceMetadata); err != nil {
			return nil, fmt.Errorf("%w: malformed source metadata: %w", ErrJobStoreFailed, err)
		}
	}

	return &job, nil
}

// marshalMetadata marshals a metadata map, defaulting nil to an empty
// JSON object so jsonb columns never receive NULL.
func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return data, nil
}

// touchJobCounters increments the job record counters inside an existing
// transaction. Shared by the staging and catalog stores so the counters
// move atomically with batch completion.
func touchJobCounters(ctx context.Context, tx *sql.Tx, jobID, processedDelta, storedDelta int64) error {
	query := `
		UPDATE ingestion_jobs
		SET records_processed = records_processed + $2,
			records_stored = records_stored + $3,
			updated_at = NOW()
		WHERE id = $1
	`

	if _, err := tx.ExecContext(ctx, query, jobID, processedDelta, storedDelta); err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}

	return nil
}
