package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/storage"
	"github.com/refinery-io/refinery/internal/upstream"
)

// fakeRawFiles is an in-memory RawFileStore keyed by file type. It
// records the status history per file type so tests can assert the
// lifecycle order.
type fakeRawFiles struct {
	files   map[string]*ingest.RawFile
	history map[string][]ingest.RawFileStatus
	nextID  int64
}

func newFakeRawFiles() *fakeRawFiles {
	return &fakeRawFiles{
		files:   make(map[string]*ingest.RawFile),
		history: make(map[string][]ingest.RawFileStatus),
	}
}

func (f *fakeRawFiles) GetRawFile(_ context.Context, _ int64, fileType string) (*ingest.RawFile, error) {
	file, ok := f.files[fileType]
	if !ok {
		return nil, storage.ErrNotFound
	}

	copied := *file

	return &copied, nil
}

func (f *fakeRawFiles) UpsertRawFile(_ context.Context, file *ingest.RawFile) error {
	if existing, ok := f.files[file.FileType]; ok {
		file.ID = existing.ID
	} else {
		f.nextID++
		file.ID = f.nextID
	}

	copied := *file
	f.files[file.FileType] = &copied
	f.history[file.FileType] = append(f.history[file.FileType], file.Status)

	return nil
}

func (f *fakeRawFiles) byID(id int64) *ingest.RawFile {
	for _, file := range f.files {
		if file.ID == id {
			return file
		}
	}

	return nil
}

func (f *fakeRawFiles) MarkRawFileVerified(_ context.Context, id int64, digest string) error {
	file := f.byID(id)
	if file == nil {
		return storage.ErrNotFound
	}

	file.Status = ingest.RawFileVerified
	file.ComputedDigest = digest
	file.Verified = true
	f.history[file.FileType] = append(f.history[file.FileType], file.Status)

	return nil
}

func (f *fakeRawFiles) MarkRawFileFailed(_ context.Context, id int64, digest string) error {
	file := f.byID(id)
	if file == nil {
		return storage.ErrNotFound
	}

	file.Status = ingest.RawFileFailed
	file.ComputedDigest = digest
	f.history[file.FileType] = append(f.history[file.FileType], file.Status)

	return nil
}

// fakeArtifactFetcher serves canned bodies by URL and counts file
// fetches.
type fakeArtifactFetcher struct {
	bodies     map[string][]byte
	fileFetches int
}

func (f *fakeArtifactFetcher) FetchBytes(_ context.Context, url string) ([]byte, error) {
	body, ok := f.bodies[url]
	if !ok {
		return nil, fmt.Errorf("unexpected url %s", url)
	}

	return body, nil
}

func (f *fakeArtifactFetcher) FetchFile(_ context.Context, url, dest string) (*upstream.FetchResult, error) {
	f.fileFetches++

	body, ok := f.bodies[url]
	if !ok {
		return nil, fmt.Errorf("unexpected url %s", url)
	}

	if err := os.WriteFile(dest, body, 0o600); err != nil {
		return nil, err
	}

	return &upstream.FetchResult{
		Size:   int64(len(body)),
		Digest: ingest.ContentDigest(body),
	}, nil
}

func downloadFixture(t *testing.T, data []byte, manifestDigest string) (*Downloader, *fakeRawFiles, *fakeArtifactFetcher, *objectstore.MemoryStore, *ingest.Job, sources.Plugin) {
	t.Helper()

	plugin := sources.NewTSVSource(sources.Descriptor{
		Name:               "uniprot",
		SourceType:         catalog.SourceProtein,
		BaseURL:            "https://ftp.example.org/uniprot",
		VersionDirTemplate: "release-%s",
	})

	manifest := fmt.Sprintf("%s  uniprot.tsv\n", manifestDigest)

	fetcher := &fakeArtifactFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/uniprot/release-2025_06/uniprot.tsv": data,
		"https://ftp.example.org/uniprot/release-2025_06/CHECKSUMS":   []byte(manifest),
	}}

	files := newFakeRawFiles()
	objects := objectstore.NewMemoryStore()
	downloader := NewDownloader(files, fetcher, objects, t.TempDir())

	job := &ingest.Job{
		ID:               1,
		OrganizationSlug: "uniprot",
		JobType:          "uniprot",
		ExternalVersion:  "2025_06",
		Status:           ingest.JobDownloading,
	}

	return downloader, files, fetcher, objects, job, plugin
}

func TestDownloaderRun(t *testing.T) {
	data := []byte("id\tsequence\nP12345\tACDEF\n")
	downloader, files, _, objects, job, plugin := downloadFixture(t, data, ingest.ContentDigest(data))

	if err := downloader.Run(context.Background(), job, plugin); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// Both raw files recorded and verified.
	for _, fileType := range []string{"data", "checksums"} {
		file, err := files.GetRawFile(context.Background(), job.ID, fileType)
		if err != nil {
			t.Fatalf("GetRawFile(%s) failed: %v", fileType, err)
		}

		if file.Status != ingest.RawFileVerified {
			t.Errorf("%s status = %s, want verified", fileType, file.Status)
		}
	}

	// The data artifact landed at its transient key.
	rc, err := objects.Get(context.Background(), "ingest/uniprot/2025_06/uniprot.tsv")
	if err != nil {
		t.Fatalf("object missing: %v", err)
	}

	got, _ := io.ReadAll(rc)
	_ = rc.Close()

	if string(got) != string(data) {
		t.Errorf("uploaded object = %q", got)
	}
}

func TestDownloaderDigestMismatch(t *testing.T) {
	data := []byte("id\nP12345\n")
	downloader, files, _, _, job, plugin := downloadFixture(t, data, "0000000000000000000000000000000000000000000000000000000000000000")

	err := downloader.Run(context.Background(), job, plugin)
	if !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("Run() = %v, want ErrIntegrityMismatch", err)
	}

	file, err := files.GetRawFile(context.Background(), job.ID, "data")
	if err != nil {
		t.Fatalf("GetRawFile(data) failed: %v", err)
	}

	if file.Status != ingest.RawFileFailed {
		t.Errorf("data status = %s, want failed", file.Status)
	}

	if file.ComputedDigest != ingest.ContentDigest(data) {
		t.Errorf("ComputedDigest = %q", file.ComputedDigest)
	}
}

// The raw-file row passes through downloading and downloaded before it
// is verified, so a fetch in flight is distinguishable from one
// awaiting its integrity check.
func TestDownloaderStatusLifecycle(t *testing.T) {
	data := []byte("id\tsequence\nP12345\tACDEF\n")
	downloader, files, _, _, job, plugin := downloadFixture(t, data, ingest.ContentDigest(data))

	if err := downloader.Run(context.Background(), job, plugin); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []ingest.RawFileStatus{ingest.RawFileDownloading, ingest.RawFileDownloaded, ingest.RawFileVerified}

	got := files.history["data"]
	if len(got) != len(want) {
		t.Fatalf("data status history = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("data status history = %v, want %v", got, want)
		}
	}
}

func TestDownloaderMissingManifestEntry(t *testing.T) {
	plugin := sources.NewTSVSource(sources.Descriptor{
		Name:               "uniprot",
		BaseURL:            "https://ftp.example.org/uniprot",
		VersionDirTemplate: "release-%s",
	})

	fetcher := &fakeArtifactFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/uniprot/release-2025_06/CHECKSUMS": []byte("aabbcc  some-other-file.tsv\n"),
	}}

	downloader := NewDownloader(newFakeRawFiles(), fetcher, objectstore.NewMemoryStore(), t.TempDir())

	job := &ingest.Job{ID: 1, OrganizationSlug: "uniprot", ExternalVersion: "2025_06"}

	err := downloader.Run(context.Background(), job, plugin)
	if !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("Run() = %v, want ErrIntegrityMismatch for missing manifest entry", err)
	}
}

// A restart after a verified download must not fetch the artifact
// again.
func TestDownloaderSkipsVerifiedArtifacts(t *testing.T) {
	data := []byte("id\nP12345\n")
	downloader, _, fetcher, _, job, plugin := downloadFixture(t, data, ingest.ContentDigest(data))

	if err := downloader.Run(context.Background(), job, plugin); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}

	fetchesAfterFirst := fetcher.fileFetches

	if err := downloader.Run(context.Background(), job, plugin); err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}

	if fetcher.fileFetches != fetchesAfterFirst {
		t.Fatalf("second Run() fetched the data artifact again (%d fetches)", fetcher.fileFetches)
	}
}
