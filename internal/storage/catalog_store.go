package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
)

// ErrCatalogStoreFailed is returned when a catalog store operation fails.
var ErrCatalogStoreFailed = errors.New("catalog store operation failed")

// ErrVersionConflict is returned when a planned version slot was taken
// by a different external release between planning and commit. The unit
// fails and the retry re-plans against the new catalog state.
var ErrVersionConflict = errors.New("planned version slot taken by another release")

// CatalogStore persists the versioned data catalog: organizations,
// registry entries, data sources, versions, version files, and
// dependency edges.
type CatalogStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewCatalogStore creates a PostgreSQL-backed catalog store.
func NewCatalogStore(conn *Connection) (*CatalogStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CatalogStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// EnsureOrganization upserts an organization by slug and returns it.
func (s *CatalogStore) EnsureOrganization(ctx context.Context, slug, name, license, citation string) (*catalog.Organization, error) {
	query := `
		INSERT INTO organizations (slug, name, license, citation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name,
			license = EXCLUDED.license,
			citation = EXCLUDED.citation
		RETURNING id, slug, name, COALESCE(license, ''), COALESCE(citation, ''), created_at
	`

	var org catalog.Organization

	err := s.conn.QueryRowContext(ctx, query, slug, name, license, citation).Scan(
		&org.ID, &org.Slug, &org.Name, &org.License, &org.Citation, &org.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to ensure organization: %w", ErrCatalogStoreFailed, err)
	}

	return &org, nil
}

// GetOrganization loads an organization by slug. Returns ErrNotFound
// when none exists.
func (s *CatalogStore) GetOrganization(ctx context.Context, slug string) (*catalog.Organization, error) {
	query := `
		SELECT id, slug, name, COALESCE(license, ''), COALESCE(citation, ''), created_at
		FROM organizations
		WHERE slug = $1
	`

	var org catalog.Organization

	err := s.conn.QueryRowContext(ctx, query, slug).Scan(
		&org.ID, &org.Slug, &org.Name, &org.License, &org.Citation, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, slug)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load organization: %w", ErrCatalogStoreFailed, err)
	}

	return &org, nil
}

// VersionInput is one record the store stage asks PlanVersions about.
type VersionInput struct {
	Slug    string
	Type    catalog.SourceType
	Summary catalog.ChangeSummary
}

// VersionPlan is the planned catalog placement of one record: its
// version numbers under the bump rules, computed before any upload so
// canonical object keys can embed them.
type VersionPlan struct {
	Slug            string
	Type            catalog.SourceType
	Major           int
	Minor           int
	ExternalVersion string

	// PriorVersionID is the entry's latest version before this plan,
	// zero for a first ingestion.
	PriorVersionID int64

	// Reuse is set when the entry's latest version already carries this
	// external version: an earlier attempt committed it, so the plan
	// points at the existing row instead of a bump.
	Reuse bool
}

// PlanVersions computes, read-only, the version each record will get:
// 1.0 for a first ingestion, a major bump on breaking change, a minor
// bump otherwise, or reuse of an already-committed version of the same
// external release. The plan runs before format-variant uploads so the
// canonical object keys are known; StoreBatch re-validates it at commit.
func (s *CatalogStore) PlanVersions(ctx context.Context, orgID int64, externalVersion string, inputs []VersionInput) ([]VersionPlan, error) {
	plans := make([]VersionPlan, 0, len(inputs))

	for _, in := range inputs {
		prior, err := s.latestVersion(ctx, orgID, in.Slug)
		if err != nil {
			return nil, err
		}

		plan := VersionPlan{Slug: in.Slug, Type: in.Type, ExternalVersion: externalVersion}

		switch {
		case prior == nil:
			plan.Major, plan.Minor = 1, 0
		case prior.ExternalVersion == externalVersion:
			plan.Major, plan.Minor = prior.Major, prior.Minor
			plan.PriorVersionID = prior.ID
			plan.Reuse = true
		default:
			var prev catalog.ChangeSummary
			if len(prior.Summary) > 0 {
				if err := json.Unmarshal(prior.Summary, &prev); err != nil {
					return nil, fmt.Errorf("%w: malformed prior summary for %s: %w", ErrCatalogStoreFailed, in.Slug, err)
				}
			}

			plan.Major, plan.Minor = catalog.NextVersion(prior, prev, in.Summary)
			plan.PriorVersionID = prior.ID
		}

		plans = append(plans, plan)
	}

	return plans, nil
}

// latestVersion returns the entry's highest version, or nil when the
// entry does not exist or has no versions yet.
func (s *CatalogStore) latestVersion(ctx context.Context, orgID int64, slug string) (*catalog.Version, error) {
	query := `
		SELECT v.id, v.entry_id, v.major, v.minor, v.external_version, v.summary, v.created_at
		FROM registry_entries e
		JOIN versions v ON v.entry_id = e.id
		WHERE e.organization_id = $1 AND e.slug = $2
		ORDER BY v.major DESC, v.minor DESC
		LIMIT 1
	`

	var (
		v       catalog.Version
		summary []byte
	)

	err := s.conn.QueryRowContext(ctx, query, orgID, slug).Scan(
		&v.ID, &v.EntryID, &v.Major, &v.Minor, &v.ExternalVersion, &summary, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load latest version: %w", ErrCatalogStoreFailed, err)
	}

	v.Summary = summary

	return &v, nil
}

// PlannedFile is one format variant to register for a planned version.
type PlannedFile struct {
	Format    string
	ObjectKey string
	Size      int64
	Checksum  string
}

// PlannedEdge is one version-pinned dependency edge to register.
type PlannedEdge struct {
	ToVersionID int64
	Kind        catalog.EdgeKind
}

// PlannedVersion is one record's full catalog payload for StoreBatch.
type PlannedVersion struct {
	StagedRecordID int64
	Plan           VersionPlan

	// Metadata is the type-specific data source detail.
	Metadata map[string]any

	// Summary is the change-detection snapshot stored on the version for
	// the next ingestion to compare against.
	Summary catalog.ChangeSummary

	Files []PlannedFile
	Edges []PlannedEdge
}

// StoreBatchRequest carries one store unit's catalog writes.
type StoreBatchRequest struct {
	JobID          int64
	OrganizationID int64
	UnitID         int64
	WorkerID       string
	Versions       []PlannedVersion
}

// StoreBatch commits one store unit in a single transaction: registry
// entries and data sources are upserted, versions inserted, version
// files and dependency edges registered, staged records flipped to
// stored, the job's stored counter moved, and the unit completed.
// Everything lands or nothing does.
//
// The plan is re-validated at commit: a (entry, major, minor) slot
// already taken by the same external release is reused (the idempotent
// retry case); one taken by a different release aborts the batch with
// ErrVersionConflict. A lost claim aborts with ErrStaleClaim.
func (s *CatalogStore) StoreBatch(ctx context.Context, req StoreBatchRequest) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	storedIDs := make([]int64, 0, len(req.Versions))

	for i := range req.Versions {
		pv := &req.Versions[i]

		entryID, err := upsertEntryTx(ctx, tx, req.OrganizationID, pv.Plan.Slug)
		if err != nil {
			return err
		}

		if err := upsertDataSourceTx(ctx, tx, entryID, pv.Plan.Type, pv.Metadata); err != nil {
			return err
		}

		versionID, err := insertVersionTx(ctx, tx, entryID, pv)
		if err != nil {
			return err
		}

		for _, f := range pv.Files {
			if err := upsertVersionFileTx(ctx, tx, versionID, f); err != nil {
				return err
			}
		}

		for _, e := range pv.Edges {
			if err := insertEdgeTx(ctx, tx, versionID, e); err != nil {
				return err
			}
		}

		storedIDs = append(storedIDs, pv.StagedRecordID)
	}

	if err := markRecordsStoredTx(ctx, tx, req.JobID, storedIDs); err != nil {
		return err
	}

	if err := touchJobCounters(ctx, tx, req.JobID, 0, int64(len(storedIDs))); err != nil {
		return fmt.Errorf("%w: %w", ErrCatalogStoreFailed, err)
	}

	if err := completeUnitTx(ctx, tx, req.UnitID, req.WorkerID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", ErrCatalogStoreFailed, err)
	}

	s.logger.Info("store unit committed",
		slog.Int64("unit_id", req.UnitID),
		slog.Int64("job_id", req.JobID),
		slog.Int("versions", len(req.Versions)),
	)

	return nil
}

func upsertEntryTx(ctx context.Context, tx *sql.Tx, orgID int64, slug string) (int64, error) {
	query := `
		INSERT INTO registry_entries (organization_id, slug)
		VALUES ($1, $2)
		ON CONFLICT (organization_id, slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id
	`

	var id int64
	if err := tx.QueryRowContext(ctx, query, orgID, slug).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: failed to upsert registry entry: %w", ErrCatalogStoreFailed, err)
	}

	return id, nil
}

func upsertDataSourceTx(ctx context.Context, tx *sql.Tx, entryID int64, sourceType catalog.SourceType, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCatalogStoreFailed, err)
	}

	query := `
		INSERT INTO data_sources (entry_id, source_type, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (entry_id) DO UPDATE
		SET source_type = EXCLUDED.source_type,
			metadata = EXCLUDED.metadata
	`

	if _, err := tx.ExecContext(ctx, query, entryID, string(sourceType), metadataJSON); err != nil {
		return fmt.Errorf("%w: failed to upsert data source: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

func insertVersionTx(ctx context.Context, tx *sql.Tx, entryID int64, pv *PlannedVersion) (int64, error) {
	summaryJSON, err := json.Marshal(pv.Summary)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to marshal summary: %w", ErrCatalogStoreFailed, err)
	}

	query := `
		INSERT INTO versions (entry_id, major, minor, external_version, summary)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entry_id, major, minor) DO NOTHING
		RETURNING id
	`

	var id int64

	err = tx.QueryRowContext(ctx, query, entryID, pv.Plan.Major, pv.Plan.Minor, pv.Plan.ExternalVersion, summaryJSON).Scan(&id)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: failed to insert version: %w", ErrCatalogStoreFailed, err)
	}

	// Slot taken. Reuse only when it holds the same external release.
	var (
		existingID      int64
		externalVersion string
	)

	lookup := `SELECT id, external_version FROM versions WHERE entry_id = $1 AND major = $2 AND minor = $3`
	if err := tx.QueryRowContext(ctx, lookup, entryID, pv.Plan.Major, pv.Plan.Minor).Scan(&existingID, &externalVersion); err != nil {
		return 0, fmt.Errorf("%w: failed to load conflicting version: %w", ErrCatalogStoreFailed, err)
	}

	if externalVersion != pv.Plan.ExternalVersion {
		return 0, fmt.Errorf("%w: %s %d.%d holds %s, planned %s",
			ErrVersionConflict, pv.Plan.Slug, pv.Plan.Major, pv.Plan.Minor, externalVersion, pv.Plan.ExternalVersion)
	}

	return existingID, nil
}

func upsertVersionFileTx(ctx context.Context, tx *sql.Tx, versionID int64, f PlannedFile) error {
	query := `
		INSERT INTO version_files (version_id, format, object_key, size, checksum)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (version_id, format) DO UPDATE
		SET object_key = EXCLUDED.object_key,
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum
	`

	if _, err := tx.ExecContext(ctx, query, versionID, f.Format, f.ObjectKey, f.Size, f.Checksum); err != nil {
		return fmt.Errorf("%w: failed to upsert version file: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

func insertEdgeTx(ctx context.Context, tx *sql.Tx, fromVersionID int64, e PlannedEdge) error {
	query := `
		INSERT INTO dependencies (from_version_id, to_version_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (from_version_id, to_version_id, kind) DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, query, fromVersionID, e.ToVersionID, string(e.Kind)); err != nil {
		return fmt.Errorf("%w: failed to insert dependency edge: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

func markRecordsStoredTx(ctx context.Context, tx *sql.Tx, jobID int64, recordIDs []int64) error {
	if len(recordIDs) == 0 {
		return nil
	}

	query := `
		UPDATE ingestion_staged_records
		SET status = $3
		WHERE job_id = $1 AND id = ANY($2)
	`

	if _, err := tx.ExecContext(ctx, query, jobID, pq.Array(recordIDs), string(ingest.RecordStored)); err != nil {
		return fmt.Errorf("%w: failed to mark records stored: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

// ResolveCurrent maps identifiers to the latest version id of the
// matching registry entry within (organization, source type). Missing
// identifiers are simply absent from the result; the caller decides
// whether that is an error. Backs the cross-reference resolver.
func (s *CatalogStore) ResolveCurrent(ctx context.Context, orgID int64, sourceType catalog.SourceType, slugs []string) (map[string]int64, error) {
	if len(slugs) == 0 {
		return map[string]int64{}, nil
	}

	query := `
		SELECT DISTINCT ON (e.slug) e.slug, v.id
		FROM registry_entries e
		JOIN data_sources d ON d.entry_id = e.id
		JOIN versions v ON v.entry_id = e.id
		WHERE e.organization_id = $1
		  AND d.source_type = $2
		  AND e.slug = ANY($3)
		ORDER BY e.slug, v.major DESC, v.minor DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, orgID, string(sourceType), pq.Array(slugs))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve identifiers: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	resolved := make(map[string]int64, len(slugs))

	for rows.Next() {
		var (
			slug string
			id   int64
		)

		if err := rows.Scan(&slug, &id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCatalogStoreFailed, err)
		}

		resolved[slug] = id
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogStoreFailed, err)
	}

	return resolved, nil
}

// ExternalVersionExists reports whether any version of the organization
// carries this external release label. Discovery uses it to dedup
// releases already in the catalog.
func (s *CatalogStore) ExternalVersionExists(ctx context.Context, orgID int64, externalVersion string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM versions v
			JOIN registry_entries e ON e.id = v.entry_id
			WHERE e.organization_id = $1 AND v.external_version = $2
		)
	`

	var exists bool
	if err := s.conn.QueryRowContext(ctx, query, orgID, externalVersion).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: failed to check external version: %w", ErrCatalogStoreFailed, err)
	}

	return exists, nil
}

// UpsertSyncStatus records the latest successfully completed external
// version per (organization, source type), keeping the highest label.
func (s *CatalogStore) UpsertSyncStatus(ctx context.Context, orgID int64, sourceType, externalVersion string) error {
	query := `
		INSERT INTO sync_status (organization_id, source_type, external_version, completed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id, source_type) DO UPDATE
		SET external_version = EXCLUDED.external_version,
			completed_at = EXCLUDED.completed_at
		WHERE sync_status.external_version < EXCLUDED.external_version
	`

	if _, err := s.conn.ExecContext(ctx, query, orgID, sourceType, externalVersion); err != nil {
		return fmt.Errorf("%w: failed to upsert sync status: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

// GetSyncStatus loads the sync marker for (organization, source type).
// Returns ErrNotFound when the source has never completed a sync.
func (s *CatalogStore) GetSyncStatus(ctx context.Context, orgID int64, sourceType string) (*catalog.SyncStatus, error) {
	query := `
		SELECT organization_id, source_type, external_version, completed_at
		FROM sync_status
		WHERE organization_id = $1 AND source_type = $2
	`

	var status catalog.SyncStatus

	err := s.conn.QueryRowContext(ctx, query, orgID, sourceType).Scan(
		&status.OrganizationID, &status.SourceType, &status.ExternalVersion, &status.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync status %d/%s", ErrNotFound, orgID, sourceType)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to load sync status: %w", ErrCatalogStoreFailed, err)
	}

	return &status, nil
}
