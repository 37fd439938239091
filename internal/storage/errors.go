package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Sentinel errors shared across the storage layer.
var (
	// ErrStaleStatus is returned when a conditional job status update
	// finds the job no longer in the expected status. The state machine
	// is a CAS; callers reload and retry or abandon.
	ErrStaleStatus = errors.New("job status changed underneath update")

	// ErrStaleClaim is returned when a heartbeat, completion, or failure
	// finds the work unit no longer claimed by this worker. The worker
	// must discard its in-flight work; the unit belongs to the reaper or
	// to another claimant.
	ErrStaleClaim = errors.New("work unit claim is stale")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("row not found")
)

// IsConnectionError reports whether err indicates database connection
// failure. Uses PostgreSQL error codes (Class 08 = Connection Exception)
// and standard database/sql errors for robust detection. Callers treat
// these as transient and retry with backoff.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
