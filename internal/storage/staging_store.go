package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
)

// ErrStagingStoreFailed is returned when a staging store operation fails.
var ErrStagingStoreFailed = errors.New("staging store operation failed")

// recordInsertChunkSize bounds rows per bulk INSERT statement.
const recordInsertChunkSize = 500

// StagingStore persists parse-stage outputs: the staged records that
// hand off between the parse and store phases of a job.
type StagingStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStagingStore creates a PostgreSQL-backed staging store.
func NewStagingStore(conn *Connection) (*StagingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &StagingStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// CompleteParseUnit commits a parse unit's outputs in one transaction:
// staged records are inserted, the job's processed counter moves, and
// the unit flips to completed. Records that already exist for the job
// (same record identifier, staged by an earlier attempt before a crash)
// are skipped, so replaying a unit is a no-op for the overlap.
//
// Returns ErrStaleClaim without writing anything when the worker no
// longer holds the unit.
func (s *StagingStore) CompleteParseUnit(
	ctx context.Context,
	unit *ingest.WorkUnit,
	workerID string,
	records []ingest.StagedRecord,
) (inserted int64, err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrStagingStoreFailed, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for start := 0; start < len(records); start += recordInsertChunkSize {
		end := min(start+recordInsertChunkSize, len(records))

		n, err := insertStagedChunk(ctx, tx, records[start:end])
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		inserted += n
	}

	if err := touchJobCounters(ctx, tx, unit.JobID, int64(len(records)), 0); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	if err := completeUnitTx(ctx, tx, unit.ID, workerID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit: %w", ErrStagingStoreFailed, err)
	}

	s.logger.Info("parse unit completed",
		slog.Int64("unit_id", unit.ID),
		slog.Int64("job_id", unit.JobID),
		slog.Int("parsed", len(records)),
		slog.Int64("staged", inserted),
	)

	return inserted, nil
}

func insertStagedChunk(ctx context.Context, tx *sql.Tx, chunk []ingest.StagedRecord) (int64, error) {
	query := `INSERT INTO ingestion_staged_records
		(job_id, work_unit_id, record_type, record_identifier, payload,
		 content_digest, sequence_digest, source_file, source_offset, status) VALUES `
	args := make([]any, 0, len(chunk)*10)

	for i, rec := range chunk {
		if i > 0 {
			query += ", "
		}

		base := i * 10
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args,
			rec.JobID, rec.WorkUnitID, rec.RecordType, rec.RecordIdentifier,
			[]byte(rec.Payload), rec.ContentDigest, rec.SequenceDigest,
			rec.SourceFile, rec.SourceOffset, string(ingest.RecordStaged))
	}

	query += ` ON CONFLICT (job_id, record_identifier) DO NOTHING`

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert staged records: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count inserted records: %w", err)
	}

	return inserted, nil
}

// CountStaged returns the number of staged records for a job. The
// coordinator uses it to plan store units after the parse phase.
func (s *StagingStore) CountStaged(ctx context.Context, jobID int64) (int64, error) {
	var count int64

	query := `SELECT COUNT(*) FROM ingestion_staged_records WHERE job_id = $1`
	if err := s.conn.QueryRowContext(ctx, query, jobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count staged records: %w", ErrStagingStoreFailed, err)
	}

	return count, nil
}

// StoreUnitBounds computes the half-open staged-record id ranges for a
// job's store units: the ordered id sequence is cut into batches of
// batchSize. Store units range over ids rather than row ordinals so
// each unit's ListBatch is a plain indexed range scan.
func (s *StagingStore) StoreUnitBounds(ctx context.Context, jobID int64, batchSize int) ([]ingest.UnitSpec, error) {
	query := `
		SELECT id FROM ingestion_staged_records
		WHERE job_id = $1
		ORDER BY id
	`

	rows, err := s.conn.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan staged record ids: %w", ErrStagingStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var (
		specs []ingest.UnitSpec
		ids   []int64
	)

	flush := func() {
		if len(ids) == 0 {
			return
		}

		specs = append(specs, ingest.UnitSpec{
			BatchNumber: len(specs),
			StartOffset: ids[0],
			EndOffset:   ids[len(ids)-1] + 1,
		})
		ids = ids[:0]
	}

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		ids = append(ids, id)
		if len(ids) == batchSize {
			flush()
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	flush()

	return specs, nil
}

// ListBatch returns a store unit's staged records: those of the job in
// the half-open id range [startID, endID), ordered by id.
func (s *StagingStore) ListBatch(ctx context.Context, jobID, startID, endID int64) ([]ingest.StagedRecord, error) {
	query := `
		SELECT id, job_id, work_unit_id, record_type, record_identifier,
			payload, content_digest, COALESCE(sequence_digest, ''),
			source_file, source_offset, status
		FROM ingestion_staged_records
		WHERE job_id = $1 AND id >= $2 AND id < $3
		ORDER BY id
	`

	rows, err := s.conn.QueryContext(ctx, query, jobID, startID, endID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list staged records: %w", ErrStagingStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []ingest.StagedRecord

	for rows.Next() {
		var (
			rec     ingest.StagedRecord
			payload []byte
			status  string
		)

		err := rows.Scan(
			&rec.ID, &rec.JobID, &rec.WorkUnitID, &rec.RecordType, &rec.RecordIdentifier,
			&payload, &rec.ContentDigest, &rec.SequenceDigest,
			&rec.SourceFile, &rec.SourceOffset, &status,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		rec.Payload = payload
		rec.Status = ingest.RecordStatus(status)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	return records, nil
}

// MarkFilesUploaded advances a batch of staged records from staged to
// files_uploaded after their format variants land in the object store.
// The store stage commits this before the catalog transaction, so a
// crash between the two leaves re-uploadable records, never orphaned
// catalog rows.
func (s *StagingStore) MarkFilesUploaded(ctx context.Context, jobID int64, recordIDs []int64) error {
	if len(recordIDs) == 0 {
		return nil
	}

	query := `
		UPDATE ingestion_staged_records
		SET status = $3
		WHERE job_id = $1 AND id = ANY($2)
	`

	_, err := s.conn.ExecContext(ctx, query, jobID, pq.Array(recordIDs), string(ingest.RecordFilesUploaded))
	if err != nil {
		return fmt.Errorf("%w: failed to mark files uploaded: %w", ErrStagingStoreFailed, err)
	}

	return nil
}
