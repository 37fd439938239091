package modes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/storage"
)

type fakeDiscovery struct {
	current   string
	rangeList []string
	existing  map[string]bool
	asCurrent map[string]bool
}

func (f *fakeDiscovery) DiscoverCurrent(context.Context, sources.Plugin) (string, error) {
	return f.current, nil
}

func (f *fakeDiscovery) DiscoverRange(context.Context, sources.Plugin, string, string) ([]string, error) {
	return f.rangeList, nil
}

func (f *fakeDiscovery) ExistsInStore(_ context.Context, _ int64, externalVersion string) (bool, error) {
	return f.existing[externalVersion], nil
}

func (f *fakeDiscovery) WasIngestedAsCurrent(_ context.Context, _ int64, _, externalVersion string) (bool, error) {
	return f.asCurrent[externalVersion], nil
}

type fakeOrgStore struct {
	lastSynced string
}

func (f *fakeOrgStore) EnsureOrganization(_ context.Context, slug, name, _, _ string) (*catalog.Organization, error) {
	return &catalog.Organization{ID: 10, Slug: slug, Name: name}, nil
}

func (f *fakeOrgStore) GetSyncStatus(context.Context, int64, string) (*catalog.SyncStatus, error) {
	if f.lastSynced == "" {
		return nil, storage.ErrNotFound
	}

	return &catalog.SyncStatus{
		OrganizationID:  10,
		SourceType:      "uniprot",
		ExternalVersion: f.lastSynced,
		CompletedAt:     time.Now(),
	}, nil
}

type runCall struct {
	externalVersion string
	isCurrent       bool
}

type fakeRunner struct {
	runs   []runCall
	failOn map[string]bool
}

func (f *fakeRunner) RunRelease(_ context.Context, _ sources.Plugin, externalVersion string, isCurrent bool) error {
	f.runs = append(f.runs, runCall{externalVersion: externalVersion, isCurrent: isCurrent})

	if f.failOn[externalVersion] {
		return errors.New("release failed")
	}

	return nil
}

func modePlugin() sources.Plugin {
	return sources.NewTSVSource(sources.Descriptor{
		Name:       "uniprot",
		SourceType: catalog.SourceProtein,
		Organization: sources.OrganizationInfo{
			Slug: "uniprot",
			Name: "UniProt Consortium",
		},
	})
}

func TestSyncLatestIngestsNewRelease(t *testing.T) {
	discovery := &fakeDiscovery{current: "2025_06"}
	orgs := &fakeOrgStore{lastSynced: "2025_05"}
	runner := &fakeRunner{}

	if err := NewController(discovery, orgs, runner).Sync(context.Background(), modePlugin()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if len(runner.runs) != 1 {
		t.Fatalf("runs = %+v", runner.runs)
	}

	if runner.runs[0] != (runCall{externalVersion: "2025_06", isCurrent: true}) {
		t.Fatalf("run = %+v", runner.runs[0])
	}
}

func TestSyncLatestNoOpWhenUpToDate(t *testing.T) {
	discovery := &fakeDiscovery{current: "2025_06"}
	orgs := &fakeOrgStore{lastSynced: "2025_06"}
	runner := &fakeRunner{}

	if err := NewController(discovery, orgs, runner).Sync(context.Background(), modePlugin()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if len(runner.runs) != 0 {
		t.Fatalf("runs = %+v, want none", runner.runs)
	}
}

func TestSyncLatestFirstEverSync(t *testing.T) {
	discovery := &fakeDiscovery{current: "2025_06"}
	orgs := &fakeOrgStore{} // no sync status yet
	runner := &fakeRunner{}

	if err := NewController(discovery, orgs, runner).Sync(context.Background(), modePlugin()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if len(runner.runs) != 1 || runner.runs[0].externalVersion != "2025_06" {
		t.Fatalf("runs = %+v", runner.runs)
	}
}

func TestSyncLatestRespectsCutoff(t *testing.T) {
	t.Setenv("INGEST_UNIPROT_IGNORE_BEFORE", "2025_01")

	discovery := &fakeDiscovery{current: "2024_06"}
	orgs := &fakeOrgStore{}
	runner := &fakeRunner{}

	if err := NewController(discovery, orgs, runner).Sync(context.Background(), modePlugin()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if len(runner.runs) != 0 {
		t.Fatalf("runs = %+v, want none below cutoff", runner.runs)
	}
}

func TestSyncHistoricalSkipsIngestedReleases(t *testing.T) {
	t.Setenv("INGEST_UNIPROT_MODE", "historical")

	discovery := &fakeDiscovery{
		rangeList: []string{"2024_01", "2024_02", "2024_03", "2024_04"},
		existing:  map[string]bool{"2024_02": true},
		asCurrent: map[string]bool{"2024_04": true},
	}
	runner := &fakeRunner{}

	if err := NewController(discovery, &fakeOrgStore{}, runner).Sync(context.Background(), modePlugin()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if len(runner.runs) != 2 {
		t.Fatalf("runs = %+v, want 2024_01 and 2024_03", runner.runs)
	}

	for i, want := range []string{"2024_01", "2024_03"} {
		if runner.runs[i].externalVersion != want || runner.runs[i].isCurrent {
			t.Errorf("run %d = %+v", i, runner.runs[i])
		}
	}
}

// A single failed release must not abort the rest of the range.
func TestSyncHistoricalToleratesPerVersionFailures(t *testing.T) {
	t.Setenv("INGEST_UNIPROT_MODE", "historical")

	discovery := &fakeDiscovery{rangeList: []string{"2024_01", "2024_02", "2024_03"}}
	runner := &fakeRunner{failOn: map[string]bool{"2024_02": true}}

	err := NewController(discovery, &fakeOrgStore{}, runner).Sync(context.Background(), modePlugin())
	if err == nil {
		t.Fatal("Sync() succeeded despite a failed release")
	}

	if len(runner.runs) != 3 {
		t.Fatalf("runs = %+v, want all three attempted", runner.runs)
	}
}

func TestSyncHistoricalIngestExistingWhenConfigured(t *testing.T) {
	t.Setenv("INGEST_UNIPROT_MODE", "historical")
	t.Setenv("INGEST_UNIPROT_HISTORICAL_SKIP_EXISTING", "false")

	discovery := &fakeDiscovery{
		rangeList: []string{"2024_01", "2024_02"},
		existing:  map[string]bool{"2024_01": true},
	}
	runner := &fakeRunner{}

	if err := NewController(discovery, &fakeOrgStore{}, runner).Sync(context.Background(), modePlugin()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if len(runner.runs) != 2 {
		t.Fatalf("runs = %+v, want both releases", runner.runs)
	}
}

func TestLoadSourceConfig(t *testing.T) {
	t.Setenv("INGEST_PFAM_MODE", "historical")
	t.Setenv("INGEST_PFAM_HISTORICAL_START", "35.0")
	t.Setenv("INGEST_PFAM_HISTORICAL_END", "37.0")
	t.Setenv("INGEST_PFAM_HISTORICAL_BATCH_SIZE", "2")

	cfg, err := LoadSourceConfig("pfam")
	if err != nil {
		t.Fatalf("LoadSourceConfig() failed: %v", err)
	}

	if cfg.Mode != ModeHistorical || cfg.HistoricalStart != "35.0" || cfg.HistoricalEnd != "37.0" || cfg.HistoricalBatchSize != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}

	if !cfg.SkipExisting {
		t.Error("SkipExisting default = false, want true")
	}
}

func TestLoadSourceConfigDefaults(t *testing.T) {
	cfg, err := LoadSourceConfig("uniprot")
	if err != nil {
		t.Fatalf("LoadSourceConfig() failed: %v", err)
	}

	if cfg.Mode != ModeLatest || cfg.HistoricalBatchSize != DefaultHistoricalBatchSize {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadSourceConfigRejectsUnknownMode(t *testing.T) {
	t.Setenv("INGEST_UNIPROT_MODE", "yolo")

	if _, err := LoadSourceConfig("uniprot"); err == nil {
		t.Fatal("LoadSourceConfig() accepted an unknown mode")
	}
}
