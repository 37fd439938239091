package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
)

// ErrWorkQueueFailed is returned when a work queue operation fails.
var ErrWorkQueueFailed = errors.New("work queue operation failed")

// unitInsertChunkSize bounds rows per bulk INSERT statement, keeping
// statements under the PostgreSQL parameter limit.
const unitInsertChunkSize = 500

// WorkQueue is the PostgreSQL-backed claimable work unit queue.
//
// Claiming uses FOR UPDATE SKIP LOCKED inside a single statement, so
// concurrent workers never block on or double-claim the same unit.
// Completion and failure are conditional on the claim still being held,
// which gives at-most-once completion per claim.
type WorkQueue struct {
	conn   *Connection
	logger *slog.Logger
}

// NewWorkQueue creates a PostgreSQL-backed work queue.
func NewWorkQueue(conn *Connection) (*WorkQueue, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &WorkQueue{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// CreateUnits bulk-inserts pending work units for a job. Existing units
// for the same (job, type, batch) are left untouched, so re-planning
// after a coordinator crash never duplicates or resets units.
func (q *WorkQueue) CreateUnits(ctx context.Context, jobID int64, unitType ingest.UnitType, specs []ingest.UnitSpec) error {
	for start := 0; start < len(specs); start += unitInsertChunkSize {
		end := min(start+unitInsertChunkSize, len(specs))

		chunk := specs[start:end]
		query := `INSERT INTO ingestion_work_units (job_id, unit_type, batch_number, start_offset, end_offset) VALUES `
		args := make([]any, 0, len(chunk)*5)

		for i, spec := range chunk {
			if i > 0 {
				query += ", "
			}

			base := i * 5
			query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
			args = append(args, jobID, string(unitType), spec.BatchNumber, spec.StartOffset, spec.EndOffset)
		}

		query += ` ON CONFLICT (job_id, unit_type, batch_number) DO NOTHING`

		if _, err := q.conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%w: failed to create work units: %w", ErrWorkQueueFailed, err)
		}
	}

	q.logger.Info("created work units",
		slog.Int64("job_id", jobID),
		slog.String("unit_type", string(unitType)),
		slog.Int("count", len(specs)),
	)

	return nil
}

// Claim atomically claims one pending work unit for a worker, oldest
// batch first. jobID=0 matches any job and unitType="" matches any
// type. Returns (nil, nil) when no pending unit is available.
//
// The claim is a single UPDATE over a SKIP LOCKED subquery: two workers
// racing for the last pending unit resolve without blocking, one gets
// the unit and the other gets nil.
func (q *WorkQueue) Claim(ctx context.Context, workerID, hostname string, jobID int64, unitType ingest.UnitType) (*ingest.WorkUnit, error) {
	query := `
		UPDATE ingestion_work_units u
		SET status = 'claimed',
			worker_id = $3,
			worker_hostname = $4,
			claimed_at = NOW(),
			heartbeat_at = NOW(),
			updated_at = NOW()
		FROM (
			SELECT id FROM ingestion_work_units
			WHERE status = 'pending'
			  AND ($1 = 0 OR job_id = $1)
			  AND ($2 = '' OR unit_type = $2)
			ORDER BY job_id, batch_number
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) candidate
		WHERE u.id = candidate.id
		RETURNING u.id, u.job_id, u.unit_type, u.batch_number,
			u.start_offset, u.end_offset, u.status,
			u.worker_id, u.worker_hostname, u.claimed_at, u.heartbeat_at,
			u.retry_count, COALESCE(u.last_error, ''), u.updated_at
	`

	unit, err := scanWorkUnit(q.conn.QueryRowContext(ctx, query, jobID, string(unitType), workerID, hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to claim work unit: %w", ErrWorkQueueFailed, err)
	}

	q.logger.Debug("claimed work unit",
		slog.Int64("unit_id", unit.ID),
		slog.Int64("job_id", unit.JobID),
		slog.String("unit_type", string(unit.UnitType)),
		slog.String("worker_id", workerID),
	)

	return unit, nil
}

// Heartbeat refreshes the claim timestamp for a unit this worker holds.
// Returns ErrStaleClaim when the unit has been reaped or reassigned; the
// worker must abandon its in-flight work for the unit.
func (q *WorkQueue) Heartbeat(ctx context.Context, unitID int64, workerID string) error {
	query := `
		UPDATE ingestion_work_units
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
	`

	result, err := q.conn.ExecContext(ctx, query, unitID, workerID)
	if err != nil {
		return fmt.Errorf("%w: failed to heartbeat: %w", ErrWorkQueueFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: unit %d not claimed by %s", ErrStaleClaim, unitID, workerID)
	}

	return nil
}

// Complete marks a unit completed inside the caller's transaction, so
// unit completion commits atomically with the unit's outputs (staged
// records, catalog rows). Returns ErrStaleClaim when the claim is no
// longer held, in which case the caller must roll back the transaction.
func (q *WorkQueue) Complete(ctx context.Context, tx *sql.Tx, unitID int64, workerID string) error {
	return completeUnitTx(ctx, tx, unitID, workerID)
}

// completeUnitTx is the shared conditional completion update used by
// Complete and by the staging and catalog stores' batch transactions.
func completeUnitTx(ctx context.Context, tx *sql.Tx, unitID int64, workerID string) error {
	query := `
		UPDATE ingestion_work_units
		SET status = 'completed',
			worker_id = '',
			worker_hostname = '',
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
	`

	result, err := tx.ExecContext(ctx, query, unitID, workerID)
	if err != nil {
		return fmt.Errorf("%w: failed to complete work unit: %w", ErrWorkQueueFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: unit %d not claimed by %s", ErrStaleClaim, unitID, workerID)
	}

	return nil
}

// Fail releases a unit this worker holds after a handler error. While
// the retry count at failure time is below maxRetries the unit returns
// to pending with the count incremented, so a unit is attempted at
// most maxRetries+1 times. Returns ErrStaleClaim when the claim is no
// longer held.
func (q *WorkQueue) Fail(ctx context.Context, unitID int64, workerID, reason string, maxRetries int) error {
	query := `
		UPDATE ingestion_work_units
		SET status = CASE WHEN retry_count < $3 THEN 'pending' ELSE 'failed' END,
			retry_count = retry_count + 1,
			worker_id = '',
			worker_hostname = '',
			claimed_at = NULL,
			heartbeat_at = NULL,
			last_error = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
		RETURNING status
	`

	var status string

	err := q.conn.QueryRowContext(ctx, query, unitID, workerID, maxRetries, reason).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unit %d not claimed by %s", ErrStaleClaim, unitID, workerID)
	}

	if err != nil {
		return fmt.Errorf("%w: failed to fail work unit: %w", ErrWorkQueueFailed, err)
	}

	q.logger.Warn("work unit failed",
		slog.Int64("unit_id", unitID),
		slog.String("worker_id", workerID),
		slog.String("new_status", status),
		slog.String("reason", reason),
	)

	return nil
}

// ReapResult reports what a reap pass did.
type ReapResult struct {
	Requeued int
	Failed   int
}

// ReapExpired releases claimed units whose heartbeat is older than the
// timeout. Units whose retry count is still below maxRetries return to
// pending; the rest become failed. A single statement, so two reapers
// racing cannot double-release a unit.
func (q *WorkQueue) ReapExpired(ctx context.Context, timeout time.Duration, maxRetries int) (ReapResult, error) {
	query := `
		UPDATE ingestion_work_units
		SET status = CASE WHEN retry_count < $2 THEN 'pending' ELSE 'failed' END,
			retry_count = retry_count + 1,
			worker_id = '',
			worker_hostname = '',
			claimed_at = NULL,
			heartbeat_at = NULL,
			last_error = 'claim expired: no heartbeat within ' || $1 || ' seconds',
			updated_at = NOW()
		WHERE status = 'claimed'
		  AND heartbeat_at < NOW() - make_interval(secs => $1)
		RETURNING status
	`

	rows, err := q.conn.QueryContext(ctx, query, int64(timeout.Seconds()), maxRetries)
	if err != nil {
		return ReapResult{}, fmt.Errorf("%w: failed to reap expired claims: %w", ErrWorkQueueFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var result ReapResult

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return ReapResult{}, fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
		}

		if status == string(ingest.UnitPending) {
			result.Requeued++
		} else {
			result.Failed++
		}
	}

	if err := rows.Err(); err != nil {
		return ReapResult{}, fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
	}

	if result.Requeued > 0 || result.Failed > 0 {
		q.logger.Info("reaped expired claims",
			slog.Int("requeued", result.Requeued),
			slog.Int("failed", result.Failed),
		)
	}

	return result, nil
}

// Requeue resets a job's failed units to pending with a fresh retry
// budget. Operator entry point for resuming after a transient outage
// exhausted retries.
func (q *WorkQueue) Requeue(ctx context.Context, jobID int64) (int, error) {
	query := `
		UPDATE ingestion_work_units
		SET status = 'pending',
			retry_count = 0,
			worker_id = '',
			worker_hostname = '',
			claimed_at = NULL,
			heartbeat_at = NULL,
			last_error = NULL,
			updated_at = NOW()
		WHERE job_id = $1 AND status = 'failed'
	`

	result, err := q.conn.ExecContext(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to requeue units: %w", ErrWorkQueueFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
	}

	q.logger.Info("requeued failed units",
		slog.Int64("job_id", jobID),
		slog.Int64("count", affected),
	)

	return int(affected), nil
}

// CountByStatus returns the number of units per status for one phase of
// a job. The coordinator polls this to detect phase completion.
func (q *WorkQueue) CountByStatus(ctx context.Context, jobID int64, unitType ingest.UnitType) (map[ingest.UnitStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM ingestion_work_units
		WHERE job_id = $1 AND unit_type = $2
		GROUP BY status
	`

	rows, err := q.conn.QueryContext(ctx, query, jobID, string(unitType))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count units: %w", ErrWorkQueueFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[ingest.UnitStatus]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
		}

		counts[ingest.UnitStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkQueueFailed, err)
	}

	return counts, nil
}

// GetUnit loads a work unit by id.
func (q *WorkQueue) GetUnit(ctx context.Context, unitID int64) (*ingest.WorkUnit, error) {
	query := `
		SELECT id, job_id, unit_type, batch_number,
			start_offset, end_offset, status,
			worker_id, worker_hostname, claimed_at, heartbeat_at,
			retry_count, COALESCE(last_error, ''), updated_at
		FROM ingestion_work_units
		WHERE id = $1
	`

	unit, err := scanWorkUnit(q.conn.QueryRowContext(ctx, query, unitID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: work unit %d", ErrNotFound, unitID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load work unit: %w", ErrWorkQueueFailed, err)
	}

	return unit, nil
}

func scanWorkUnit(row rowScanner) (*ingest.WorkUnit, error) {
	var (
		unit      ingest.WorkUnit
		unitType  string
		status    string
		claimedAt sql.NullTime
		heartbeat sql.NullTime
	)

	err := row.Scan(
		&unit.ID, &unit.JobID, &unitType, &unit.BatchNumber,
		&unit.StartOffset, &unit.EndOffset, &status,
		&unit.WorkerID, &unit.WorkerHostname, &claimedAt, &heartbeat,
		&unit.RetryCount, &unit.LastError, &unit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	unit.UnitType = ingest.UnitType(unitType)
	unit.Status = ingest.UnitStatus(status)

	if claimedAt.Valid {
		unit.ClaimedAt = &claimedAt.Time
	}

	if heartbeat.Valid {
		unit.HeartbeatAt = &heartbeat.Time
	}

	return &unit, nil
}
