package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/storage"
)

// fakeBatchLister serves staged records and captures upload marks.
type fakeBatchLister struct {
	records  []ingest.StagedRecord
	uploaded []int64
}

func (f *fakeBatchLister) ListBatch(_ context.Context, _ int64, startID, endID int64) ([]ingest.StagedRecord, error) {
	var out []ingest.StagedRecord

	for _, rec := range f.records {
		if rec.ID >= startID && rec.ID < endID {
			out = append(out, rec)
		}
	}

	return out, nil
}

func (f *fakeBatchLister) MarkFilesUploaded(_ context.Context, _ int64, recordIDs []int64) error {
	f.uploaded = append(f.uploaded, recordIDs...)

	return nil
}

// fakeCatalogWriter plans fresh 1.0 versions and captures the batch.
type fakeCatalogWriter struct {
	batch *storage.StoreBatchRequest
}

func (f *fakeCatalogWriter) PlanVersions(_ context.Context, _ int64, externalVersion string, inputs []storage.VersionInput) ([]storage.VersionPlan, error) {
	plans := make([]storage.VersionPlan, len(inputs))

	for i, in := range inputs {
		plans[i] = storage.VersionPlan{
			Slug:            in.Slug,
			Type:            in.Type,
			Major:           1,
			Minor:           0,
			ExternalVersion: externalVersion,
		}
	}

	return plans, nil
}

func (f *fakeCatalogWriter) StoreBatch(_ context.Context, req storage.StoreBatchRequest) error {
	f.batch = &req

	return nil
}

// fakeResolver resolves from a fixed table.
type fakeResolver struct {
	known map[ingest.Reference]int64
}

func (f *fakeResolver) Resolve(_ context.Context, _ int64, refs []ingest.Reference) (map[ingest.Reference]int64, []ingest.Reference, error) {
	resolved := make(map[ingest.Reference]int64)

	var missing []ingest.Reference

	for _, ref := range refs {
		if id, ok := f.known[ref]; ok {
			resolved[ref] = id
		} else {
			missing = append(missing, ref)
		}
	}

	return resolved, missing, nil
}

func stagedRecord(id int64, identifier, refs string) ingest.StagedRecord {
	row := map[string]string{"id": identifier, "dependent_count": "3"}
	if refs != "" {
		row["refs"] = refs
	}

	payload, _ := json.Marshal(row)

	return ingest.StagedRecord{
		ID:               id,
		JobID:            1,
		RecordType:       "domain",
		RecordIdentifier: ingest.NormalizeSlug(identifier),
		Payload:          payload,
		ContentDigest:    ingest.ContentDigest(payload),
		Status:           ingest.RecordStaged,
	}
}

func storeFixture(t *testing.T, records []ingest.StagedRecord, resolver Resolver) (*StoreHandler, *fakeJobReader, *fakeBatchLister, *fakeCatalogWriter, *objectstore.MemoryStore) {
	t.Helper()

	return storeFixturePolicy(t, records, resolver, sources.MissingRefSkip)
}

func storeFixturePolicy(t *testing.T, records []ingest.StagedRecord, resolver Resolver, policy sources.MissingRefPolicy) (*StoreHandler, *fakeJobReader, *fakeBatchLister, *fakeCatalogWriter, *objectstore.MemoryStore) {
	t.Helper()

	registry := sources.NewRegistry()
	if err := registry.Register(sources.NewTSVSource(sources.Descriptor{Name: "pfam", SourceType: catalog.SourceDomain, MissingRefs: policy})); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	jobs := &fakeJobReader{
		job: &ingest.Job{
			ID:               1,
			OrganizationID:   10,
			OrganizationSlug: "pfam",
			JobType:          "pfam",
			ExternalVersion:  "37.0",
			Status:           ingest.JobStoring,
		},
	}

	staging := &fakeBatchLister{records: records}
	writer := &fakeCatalogWriter{}
	objects := objectstore.NewMemoryStore()
	handler := NewStoreHandler(jobs, staging, writer, resolver, objects, registry)

	return handler, jobs, staging, writer, objects
}

func TestStoreHandlerCommitsBatch(t *testing.T) {
	records := []ingest.StagedRecord{
		stagedRecord(1, "PF00001", ""),
		stagedRecord(2, "PF00002", ""),
	}

	handler, _, staging, writer, objects := storeFixture(t, records, &fakeResolver{})

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, UnitType: ingest.UnitStore, StartOffset: 1, EndOffset: 3}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if writer.batch == nil || len(writer.batch.Versions) != 2 {
		t.Fatalf("batch = %+v", writer.batch)
	}

	version := writer.batch.Versions[0]
	if version.Plan.Slug != "pf00001" || version.Plan.Major != 1 || version.Plan.Minor != 0 {
		t.Errorf("planned version = %+v", version.Plan)
	}

	if len(version.Files) != 1 || version.Files[0].Format != "json" {
		t.Fatalf("planned files = %+v", version.Files)
	}

	// The variant landed at its canonical key with the planned numbers.
	key := version.Files[0].ObjectKey
	if key != "pfam/pf00001/1.0/pf00001.json" {
		t.Errorf("canonical key = %q", key)
	}

	exists, err := objects.Exists(context.Background(), key)
	if err != nil || !exists {
		t.Errorf("variant object missing: %v", err)
	}

	if len(staging.uploaded) != 2 {
		t.Errorf("MarkFilesUploaded got %v", staging.uploaded)
	}
}

func TestStoreHandlerResolvesReferences(t *testing.T) {
	records := []ingest.StagedRecord{stagedRecord(1, "PF00001", "protein:P12345")}

	resolver := &fakeResolver{known: map[ingest.Reference]int64{
		{ForeignType: "protein", Identifier: "P12345"}: 77,
	}}

	handler, _, _, writer, _ := storeFixture(t, records, resolver)

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 2}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if len(writer.batch.Versions) != 1 {
		t.Fatalf("batch versions = %d", len(writer.batch.Versions))
	}

	edges := writer.batch.Versions[0].Edges
	if len(edges) != 1 || edges[0].ToVersionID != 77 {
		t.Fatalf("edges = %+v", edges)
	}
}

// Under the default skip policy a record whose reference cannot be
// resolved still commits; only the missing edge is dropped, with a
// logged failure.
func TestStoreHandlerStoresRecordsWithMissingReferences(t *testing.T) {
	records := []ingest.StagedRecord{
		stagedRecord(1, "PF00001", "protein:MISSING"),
		stagedRecord(2, "PF00002", ""),
	}

	handler, jobs, _, writer, _ := storeFixture(t, records, &fakeResolver{})

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 3}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if writer.batch == nil || len(writer.batch.Versions) != 2 {
		t.Fatalf("batch versions = %+v", writer.batch)
	}

	degraded := writer.batch.Versions[0]
	if degraded.Plan.Slug != "pf00001" || len(degraded.Edges) != 0 {
		t.Errorf("version with missing reference = %+v", degraded)
	}

	if len(jobs.failures) != 1 {
		t.Fatalf("failures = %+v", jobs.failures)
	}

	failure := jobs.failures[0]
	if failure.Kind != ingest.FailureKindMissingRef || !strings.Contains(failure.Message, "pf00001") {
		t.Errorf("failure = %+v", failure)
	}
}

// A resolvable reference beside a missing one keeps its edge.
func TestStoreHandlerKeepsResolvedEdgesBesideMissing(t *testing.T) {
	records := []ingest.StagedRecord{
		stagedRecord(1, "PF00001", "protein:P12345,protein:MISSING"),
	}

	resolver := &fakeResolver{known: map[ingest.Reference]int64{
		{ForeignType: "protein", Identifier: "P12345"}: 77,
	}}

	handler, _, _, writer, _ := storeFixture(t, records, resolver)

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 2}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	edges := writer.batch.Versions[0].Edges
	if len(edges) != 1 || edges[0].ToVersionID != 77 {
		t.Fatalf("edges = %+v", edges)
	}
}

// Under the fail policy an unresolvable reference fails the whole unit
// before anything reaches the catalog.
func TestStoreHandlerMissingReferenceFailPolicy(t *testing.T) {
	records := []ingest.StagedRecord{stagedRecord(1, "PF00001", "protein:MISSING")}

	handler, _, _, writer, _ := storeFixturePolicy(t, records, &fakeResolver{}, sources.MissingRefFail)

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 2}

	err := handler.Handle(context.Background(), unit, "worker-1")
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("Handle() = %v, want ErrUnresolvedReference", err)
	}

	if writer.batch != nil {
		t.Errorf("batch committed despite fail policy: %+v", writer.batch)
	}
}

// Replays must not re-plan records an earlier attempt already stored.
func TestStoreHandlerSkipsStoredRecords(t *testing.T) {
	stored := stagedRecord(1, "PF00001", "")
	stored.Status = ingest.RecordStored

	records := []ingest.StagedRecord{stored, stagedRecord(2, "PF00002", "")}

	handler, _, _, writer, _ := storeFixture(t, records, &fakeResolver{})

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 3}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if len(writer.batch.Versions) != 1 || writer.batch.Versions[0].Plan.Slug != "pf00002" {
		t.Fatalf("batch versions = %+v", writer.batch.Versions)
	}
}

func TestStoreHandlerEmptyBatch(t *testing.T) {
	handler, _, _, writer, _ := storeFixture(t, nil, &fakeResolver{})

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 100}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if writer.batch == nil || len(writer.batch.Versions) != 0 {
		t.Fatalf("batch = %+v", writer.batch)
	}
}

func TestStoreHandlerPlanSummariesMatchRecords(t *testing.T) {
	var records []ingest.StagedRecord

	for i := 1; i <= 3; i++ {
		records = append(records, stagedRecord(int64(i), fmt.Sprintf("PF%05d", i), ""))
	}

	handler, _, _, writer, _ := storeFixture(t, records, &fakeResolver{})

	unit := &ingest.WorkUnit{ID: 9, JobID: 1, StartOffset: 1, EndOffset: 4}

	if err := handler.Handle(context.Background(), unit, "worker-1"); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	for _, version := range writer.batch.Versions {
		if version.Summary.DependentCount != 3 {
			t.Errorf("version %s summary = %+v", version.Plan.Slug, version.Summary)
		}
	}
}
