package coordinator

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/stage"
	"github.com/refinery-io/refinery/internal/storage"
	"github.com/refinery-io/refinery/internal/upstream"
)

// fakeJobControl tracks one job through the state machine.
type fakeJobControl struct {
	job      *ingest.Job
	raw      *ingest.RawFile
	advanced []ingest.JobStatus
	failures []string
}

func (f *fakeJobControl) GetJob(context.Context, int64) (*ingest.Job, error) {
	copied := *f.job

	return &copied, nil
}

func (f *fakeJobControl) GetRawFile(context.Context, int64, string) (*ingest.RawFile, error) {
	if f.raw == nil {
		return nil, storage.ErrNotFound
	}

	return f.raw, nil
}

func (f *fakeJobControl) AdvanceStatus(_ context.Context, _ int64, from, to ingest.JobStatus) error {
	if err := ingest.ValidateJobTransition(from, to); err != nil {
		return err
	}

	f.job.Status = to
	f.advanced = append(f.advanced, to)

	return nil
}

func (f *fakeJobControl) FailJob(_ context.Context, _ int64, kind, _ string) error {
	f.job.Status = ingest.JobFailed
	f.failures = append(f.failures, kind)

	return nil
}

type fakeUnitPlanner struct {
	created map[ingest.UnitType][]ingest.UnitSpec
	counts  map[ingest.UnitType]map[ingest.UnitStatus]int
}

func newFakeUnitPlanner() *fakeUnitPlanner {
	return &fakeUnitPlanner{
		created: make(map[ingest.UnitType][]ingest.UnitSpec),
		counts:  make(map[ingest.UnitType]map[ingest.UnitStatus]int),
	}
}

func (f *fakeUnitPlanner) CreateUnits(_ context.Context, _ int64, unitType ingest.UnitType, specs []ingest.UnitSpec) error {
	f.created[unitType] = append(f.created[unitType], specs...)

	return nil
}

func (f *fakeUnitPlanner) CountByStatus(_ context.Context, _ int64, unitType ingest.UnitType) (map[ingest.UnitStatus]int, error) {
	return f.counts[unitType], nil
}

type fakeStorePlanner struct {
	specs []ingest.UnitSpec
}

func (f *fakeStorePlanner) StoreUnitBounds(context.Context, int64, int) ([]ingest.UnitSpec, error) {
	return f.specs, nil
}

type fakeSyncUpdater struct {
	orgID           int64
	sourceType      string
	externalVersion string
	calls           int
}

func (f *fakeSyncUpdater) UpsertSyncStatus(_ context.Context, orgID int64, sourceType, externalVersion string) error {
	f.calls++
	f.orgID = orgID
	f.sourceType = sourceType
	f.externalVersion = externalVersion

	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)

	return nil
}

func (f *fakePublisher) Close() error { return nil }

// fakeRawFileStore and fakeUpstream satisfy the download stage for
// coordinator-level tests.
type fakeRawFileStore struct {
	files map[string]*ingest.RawFile
	next  int64
}

func (f *fakeRawFileStore) GetRawFile(_ context.Context, _ int64, fileType string) (*ingest.RawFile, error) {
	file, ok := f.files[fileType]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return file, nil
}

func (f *fakeRawFileStore) UpsertRawFile(_ context.Context, file *ingest.RawFile) error {
	f.next++
	file.ID = f.next
	f.files[file.FileType] = file

	return nil
}

func (f *fakeRawFileStore) MarkRawFileVerified(_ context.Context, id int64, digest string) error {
	for _, file := range f.files {
		if file.ID == id {
			file.Status = ingest.RawFileVerified
			file.ComputedDigest = digest
		}
	}

	return nil
}

func (f *fakeRawFileStore) MarkRawFileFailed(_ context.Context, id int64, digest string) error {
	for _, file := range f.files {
		if file.ID == id {
			file.Status = ingest.RawFileFailed
			file.ComputedDigest = digest
		}
	}

	return nil
}

type fakeUpstream struct {
	bodies map[string][]byte
}

func (f *fakeUpstream) FetchBytes(_ context.Context, url string) ([]byte, error) {
	return f.bodies[url], nil
}

func (f *fakeUpstream) FetchFile(_ context.Context, url, dest string) (*upstream.FetchResult, error) {
	body := f.bodies[url]

	return &upstream.FetchResult{Size: int64(len(body)), Digest: ingest.ContentDigest(body)}, nil
}

type fixture struct {
	coord   *Coordinator
	jobs    *fakeJobControl
	units   *fakeUnitPlanner
	plans   *fakeStorePlanner
	sync    *fakeSyncUpdater
	pub     *fakePublisher
	objects *objectstore.MemoryStore
}

func newFixture(t *testing.T, status ingest.JobStatus) *fixture {
	t.Helper()

	registry := sources.NewRegistry()

	err := registry.Register(sources.NewTSVSource(sources.Descriptor{
		Name:       "uniprot",
		SourceType: catalog.SourceProtein,
		BatchSize:  2,
	}))
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	jobs := &fakeJobControl{job: &ingest.Job{
		ID:               1,
		OrganizationID:   10,
		OrganizationSlug: "uniprot",
		JobType:          "uniprot",
		ExternalVersion:  "2025_06",
		Status:           status,
	}}

	objects := objectstore.NewMemoryStore()

	cache, err := stage.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache() failed: %v", err)
	}

	downloader := stage.NewDownloader(
		&fakeRawFileStore{files: make(map[string]*ingest.RawFile)},
		&fakeUpstream{bodies: map[string][]byte{}},
		objects,
		t.TempDir(),
	)

	units := newFakeUnitPlanner()
	plans := &fakeStorePlanner{}
	syncs := &fakeSyncUpdater{}
	pub := &fakePublisher{}

	cfg := Config{
		TickInterval:   time.Millisecond,
		StoreBatchSize: 100,
		GracePeriod:    50 * time.Millisecond,
	}

	coord := New(jobs, units, plans, syncs, downloader, cache, objects, registry, pub, cfg)

	return &fixture{coord: coord, jobs: jobs, units: units, plans: plans, sync: syncs, pub: pub, objects: objects}
}

func (f *fixture) step(t *testing.T) {
	t.Helper()

	if err := f.coord.step(context.Background(), f.jobs.job); err != nil {
		t.Fatalf("step(%s) failed: %v", f.jobs.job.Status, err)
	}
}

func TestStepPendingStartsDownload(t *testing.T) {
	f := newFixture(t, ingest.JobPending)
	f.step(t)

	if f.jobs.job.Status != ingest.JobDownloading {
		t.Fatalf("status = %s, want downloading", f.jobs.job.Status)
	}

	// Transition published to the status stream.
	if len(f.pub.events) != 1 || f.pub.events[0].Status != string(ingest.JobDownloading) {
		t.Fatalf("events = %+v", f.pub.events)
	}
}

func TestStepPlansParseUnits(t *testing.T) {
	f := newFixture(t, ingest.JobDownloadVerified)

	// A verified data artifact with five records sits in the store.
	const key = "ingest/uniprot/2025_06/uniprot.tsv"

	data := "id\nA1\nB2\nC3\nD4\nE5\n"
	if _, err := f.objects.Put(context.Background(), key, "", bytes.NewReader([]byte(data))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	f.jobs.raw = &ingest.RawFile{JobID: 1, FileType: "data", ObjectKey: key, Status: ingest.RawFileVerified}

	f.step(t)

	// Descriptor batch size 2 over 5 records: 3 units.
	specs := f.units.created[ingest.UnitParse]
	if len(specs) != 3 {
		t.Fatalf("created %d parse units, want 3: %+v", len(specs), specs)
	}

	if specs[2].StartOffset != 4 || specs[2].EndOffset != 5 {
		t.Errorf("final unit = %+v", specs[2])
	}

	if f.jobs.job.Status != ingest.JobParsing {
		t.Fatalf("status = %s, want parsing", f.jobs.job.Status)
	}
}

func TestStepParsingWaitsForActiveUnits(t *testing.T) {
	f := newFixture(t, ingest.JobParsing)
	f.units.counts[ingest.UnitParse] = map[ingest.UnitStatus]int{
		ingest.UnitClaimed:   1,
		ingest.UnitCompleted: 4,
	}

	f.step(t)

	if f.jobs.job.Status != ingest.JobParsing {
		t.Fatalf("status = %s, want parsing while units are active", f.jobs.job.Status)
	}
}

func TestStepParsingPlansStoreUnits(t *testing.T) {
	f := newFixture(t, ingest.JobParsing)
	f.units.counts[ingest.UnitParse] = map[ingest.UnitStatus]int{ingest.UnitCompleted: 5}
	f.plans.specs = []ingest.UnitSpec{
		{BatchNumber: 0, StartOffset: 1, EndOffset: 101},
		{BatchNumber: 1, StartOffset: 101, EndOffset: 150},
	}

	f.step(t)

	if len(f.units.created[ingest.UnitStore]) != 2 {
		t.Fatalf("store units = %+v", f.units.created[ingest.UnitStore])
	}

	if f.jobs.job.Status != ingest.JobStoring {
		t.Fatalf("status = %s, want storing", f.jobs.job.Status)
	}
}

func TestStepStoringCompletesPhase(t *testing.T) {
	f := newFixture(t, ingest.JobStoring)
	f.units.counts[ingest.UnitStore] = map[ingest.UnitStatus]int{ingest.UnitCompleted: 2}

	f.step(t)

	if f.jobs.job.Status != ingest.JobFinalizing {
		t.Fatalf("status = %s, want finalizing", f.jobs.job.Status)
	}
}

// Terminally failed units hold the job in a grace period for a manual
// requeue; only after it elapses does the job fail.
func TestStepFailedUnitsGracePeriod(t *testing.T) {
	f := newFixture(t, ingest.JobStoring)
	f.units.counts[ingest.UnitStore] = map[ingest.UnitStatus]int{
		ingest.UnitCompleted: 1,
		ingest.UnitFailed:    1,
	}

	// First observation starts the grace period.
	f.step(t)

	if f.jobs.job.Status != ingest.JobStoring {
		t.Fatalf("status = %s, want storing during grace period", f.jobs.job.Status)
	}

	// Still inside the grace period.
	f.step(t)

	if f.jobs.job.Status != ingest.JobStoring {
		t.Fatalf("status = %s, job failed before grace period elapsed", f.jobs.job.Status)
	}

	time.Sleep(60 * time.Millisecond)

	f.step(t)

	if f.jobs.job.Status != ingest.JobFailed {
		t.Fatalf("status = %s, want failed after grace period", f.jobs.job.Status)
	}

	if len(f.jobs.failures) != 1 || f.jobs.failures[0] != ingest.FailureKindExhausted {
		t.Fatalf("failures = %v", f.jobs.failures)
	}
}

// A requeue during the grace period resets it.
func TestStepGracePeriodResetsWhenUnitsResume(t *testing.T) {
	f := newFixture(t, ingest.JobStoring)
	f.units.counts[ingest.UnitStore] = map[ingest.UnitStatus]int{ingest.UnitFailed: 1}

	f.step(t)

	// Operator requeued: the unit is pending again.
	f.units.counts[ingest.UnitStore] = map[ingest.UnitStatus]int{ingest.UnitPending: 1}
	f.step(t)

	// It fails again; grace must restart, not continue.
	f.units.counts[ingest.UnitStore] = map[ingest.UnitStatus]int{ingest.UnitFailed: 1}

	time.Sleep(60 * time.Millisecond)

	f.step(t)

	if f.jobs.job.Status != ingest.JobStoring {
		t.Fatalf("status = %s, want storing with a fresh grace period", f.jobs.job.Status)
	}
}

func TestStepFinalize(t *testing.T) {
	f := newFixture(t, ingest.JobFinalizing)
	f.step(t)

	if f.sync.calls != 1 || f.sync.externalVersion != "2025_06" || f.sync.sourceType != "uniprot" {
		t.Fatalf("sync = %+v", f.sync)
	}

	if f.jobs.job.Status != ingest.JobCompleted {
		t.Fatalf("status = %s, want completed", f.jobs.job.Status)
	}
}

func TestRunJobReturnsErrorOnFailedJob(t *testing.T) {
	f := newFixture(t, ingest.JobFailed)

	err := f.coord.RunJob(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("RunJob() = %v, want failure error", err)
	}
}

func TestRunJobReturnsNilOnCompletedJob(t *testing.T) {
	f := newFixture(t, ingest.JobCompleted)

	if err := f.coord.RunJob(context.Background(), 1); err != nil {
		t.Fatalf("RunJob() = %v, want nil", err)
	}
}
