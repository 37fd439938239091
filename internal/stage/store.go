package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/storage"
)

// BatchLister is the staging store subset the store stage needs.
type BatchLister interface {
	ListBatch(ctx context.Context, jobID, startID, endID int64) ([]ingest.StagedRecord, error)
	MarkFilesUploaded(ctx context.Context, jobID int64, recordIDs []int64) error
}

// CatalogWriter plans and commits catalog writes.
type CatalogWriter interface {
	PlanVersions(ctx context.Context, orgID int64, externalVersion string, inputs []storage.VersionInput) ([]storage.VersionPlan, error)
	StoreBatch(ctx context.Context, req storage.StoreBatchRequest) error
}

// ErrUnresolvedReference is returned when a record's foreign reference
// resolves to nothing and the source's policy is MissingRefFail.
var ErrUnresolvedReference = errors.New("unresolvable foreign reference")

// Resolver resolves foreign references to pinned version ids.
type Resolver interface {
	Resolve(ctx context.Context, orgID int64, refs []ingest.Reference) (map[ingest.Reference]int64, []ingest.Reference, error)
}

// StoreHandler executes store work units: it plans internal versions
// for a batch of staged records, uploads the derived format variants,
// resolves cross-references, and commits the whole batch in one catalog
// transaction.
//
// A record whose reference cannot be resolved is handled per the
// source's missing-reference policy: under MissingRefSkip (the
// default) the record is stored without the missing edge and a
// warning is logged; under MissingRefFail the unit fails with
// ErrUnresolvedReference.
type StoreHandler struct {
	jobs     JobReader
	staging  BatchLister
	catalog  CatalogWriter
	resolver Resolver
	objects  objectstore.Store
	registry *sources.Registry
	logger   *slog.Logger
}

// NewStoreHandler creates a store handler.
func NewStoreHandler(
	jobs JobReader,
	staging BatchLister,
	catalogWriter CatalogWriter,
	resolver Resolver,
	objects objectstore.Store,
	registry *sources.Registry,
) *StoreHandler {
	return &StoreHandler{
		jobs:     jobs,
		staging:  staging,
		catalog:  catalogWriter,
		resolver: resolver,
		objects:  objects,
		registry: registry,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Type returns the unit type this handler executes.
func (h *StoreHandler) Type() ingest.UnitType {
	return ingest.UnitStore
}

// Handle executes one claimed store unit. Uploads happen before the
// catalog transaction; a crash in between leaves unreferenced objects,
// never dangling catalog rows. storage.ErrStaleClaim passes through for
// the worker to discard.
func (h *StoreHandler) Handle(ctx context.Context, unit *ingest.WorkUnit, workerID string) error {
	job, err := h.jobs.GetJob(ctx, unit.JobID)
	if err != nil {
		return err
	}

	plugin, err := h.registry.Get(job.JobType)
	if err != nil {
		return err
	}

	all, err := h.staging.ListBatch(ctx, job.ID, unit.StartOffset, unit.EndOffset)
	if err != nil {
		return err
	}

	// Records already stored by an earlier attempt drop out here; the
	// replay commits only the remainder.
	records := make([]ingest.StagedRecord, 0, len(all))

	for _, rec := range all {
		if rec.Status != ingest.RecordStored {
			records = append(records, rec)
		}
	}

	inputs := make([]storage.VersionInput, 0, len(records))
	summaries := make([]catalog.ChangeSummary, 0, len(records))

	for _, rec := range records {
		summary, err := plugin.Summarize(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to summarize %s: %w", rec.RecordIdentifier, err)
		}

		inputs = append(inputs, storage.VersionInput{
			Slug:    rec.RecordIdentifier,
			Type:    plugin.Descriptor().SourceType,
			Summary: summary,
		})
		summaries = append(summaries, summary)
	}

	plans, err := h.catalog.PlanVersions(ctx, job.OrganizationID, job.ExternalVersion, inputs)
	if err != nil {
		return err
	}

	uploaded := make([]int64, 0, len(records))
	versions := make([]storage.PlannedVersion, 0, len(records))

	for i, rec := range records {
		files, err := h.uploadVariants(ctx, job, plugin, rec, plans[i])
		if err != nil {
			return err
		}

		uploaded = append(uploaded, rec.ID)

		pv, err := h.buildVersion(ctx, job, plugin, rec, plans[i], summaries[i], files, workerID, unit.ID)
		if err != nil {
			return err
		}

		versions = append(versions, pv)
	}

	if err := h.staging.MarkFilesUploaded(ctx, job.ID, uploaded); err != nil {
		return err
	}

	err = h.catalog.StoreBatch(ctx, storage.StoreBatchRequest{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		UnitID:         unit.ID,
		WorkerID:       workerID,
		Versions:       versions,
	})
	if err != nil {
		return err
	}

	h.logger.Info("store unit handled",
		slog.Int64("unit_id", unit.ID),
		slog.Int64("job_id", job.ID),
		slog.Int("stored", len(versions)),
	)

	return nil
}

// uploadVariants renders and uploads the record's format variants under
// canonical keys embedding the planned version numbers.
func (h *StoreHandler) uploadVariants(
	ctx context.Context,
	job *ingest.Job,
	plugin sources.Plugin,
	rec ingest.StagedRecord,
	plan storage.VersionPlan,
) ([]storage.PlannedFile, error) {
	variants, err := plugin.Variants(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to render variants for %s: %w", rec.RecordIdentifier, err)
	}

	files := make([]storage.PlannedFile, 0, len(variants))

	for _, variant := range variants {
		filename := rec.RecordIdentifier + "." + variant.Format
		key := objectstore.CanonicalKey(job.OrganizationSlug, rec.RecordIdentifier, plan.Major, plan.Minor, filename)

		size, err := h.objects.Put(ctx, key, objectstore.ContentTypeForFormat(variant.Format), bytes.NewReader(variant.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", key, err)
		}

		files = append(files, storage.PlannedFile{
			Format:    variant.Format,
			ObjectKey: key,
			Size:      size,
			Checksum:  ingest.ContentDigest(variant.Content),
		})
	}

	return files, nil
}

// buildVersion assembles the planned catalog payload for one record,
// resolving its references. Under the skip policy a missing reference
// drops only its edge; the record still commits.
func (h *StoreHandler) buildVersion(
	ctx context.Context,
	job *ingest.Job,
	plugin sources.Plugin,
	rec ingest.StagedRecord,
	plan storage.VersionPlan,
	summary catalog.ChangeSummary,
	files []storage.PlannedFile,
	workerID string,
	unitID int64,
) (storage.PlannedVersion, error) {
	refs, err := plugin.References(rec.Payload)
	if err != nil {
		return storage.PlannedVersion{}, fmt.Errorf("failed to extract references for %s: %w", rec.RecordIdentifier, err)
	}

	var edges []storage.PlannedEdge

	if len(refs) > 0 {
		resolved, missing, err := h.resolver.Resolve(ctx, job.OrganizationID, refs)
		if err != nil {
			return storage.PlannedVersion{}, err
		}

		if len(missing) > 0 {
			if plugin.Descriptor().MissingRefs == sources.MissingRefFail {
				return storage.PlannedVersion{}, fmt.Errorf("%w: %s: %s:%s",
					ErrUnresolvedReference, rec.RecordIdentifier, missing[0].ForeignType, missing[0].Identifier)
			}

			h.logger.Warn("storing record without unresolvable references",
				slog.Int64("job_id", job.ID),
				slog.String("record", rec.RecordIdentifier),
				slog.Int("missing", len(missing)),
			)

			failure := ingest.Failure{
				JobID:      job.ID,
				WorkUnitID: unitID,
				WorkerID:   workerID,
				Kind:       ingest.FailureKindMissingRef,
				Message:    fmt.Sprintf("%s: %d unresolvable references (first: %s:%s)", rec.RecordIdentifier, len(missing), missing[0].ForeignType, missing[0].Identifier),
			}
			if err := h.jobs.RecordFailure(ctx, failure); err != nil {
				h.logger.Warn("failed to record failure", slog.String("error", err.Error()))
			}
		}

		edges = make([]storage.PlannedEdge, 0, len(resolved))
		for _, versionID := range resolved {
			edges = append(edges, storage.PlannedEdge{ToVersionID: versionID, Kind: catalog.EdgeReferences})
		}
	}

	metadata, err := plugin.SourceMetadata(rec.Payload)
	if err != nil {
		return storage.PlannedVersion{}, fmt.Errorf("failed to derive metadata for %s: %w", rec.RecordIdentifier, err)
	}

	return storage.PlannedVersion{
		StagedRecordID: rec.ID,
		Plan:           plan,
		Metadata:       metadata,
		Summary:        summary,
		Files:          files,
		Edges:          edges,
	}, nil
}
