package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/storage"
	"github.com/refinery-io/refinery/internal/upstream"
)

// ErrIntegrityMismatch is returned when a downloaded artifact's digest
// does not match the provider's checksum manifest. Non-retryable: the
// job fails and a human investigates.
var ErrIntegrityMismatch = errors.New("artifact digest mismatch")

// RawFileStore is the job store subset the download stage needs.
type RawFileStore interface {
	GetRawFile(ctx context.Context, jobID int64, fileType string) (*ingest.RawFile, error)
	UpsertRawFile(ctx context.Context, file *ingest.RawFile) error
	MarkRawFileVerified(ctx context.Context, rawFileID int64, computedDigest string) error
	MarkRawFileFailed(ctx context.Context, rawFileID int64, computedDigest string) error
}

// Fetcher is the upstream access the download stage needs.
type Fetcher interface {
	FetchFile(ctx context.Context, url, dest string) (*upstream.FetchResult, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Downloader runs the download stage for a job. It is owned by the
// coordinator and runs inline: downloading has no fan-out benefit.
type Downloader struct {
	files   RawFileStore
	fetcher Fetcher
	objects objectstore.Store
	tmpDir  string
	logger  *slog.Logger
}

// NewDownloader creates a download stage.
func NewDownloader(files RawFileStore, fetcher Fetcher, objects objectstore.Store, tmpDir string) *Downloader {
	return &Downloader{
		files:   files,
		fetcher: fetcher,
		objects: objects,
		tmpDir:  tmpDir,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run downloads, verifies, and uploads every declared artifact of the
// job. Artifacts already verified by an earlier attempt are skipped, so
// a coordinator restart resumes instead of re-downloading.
func (d *Downloader) Run(ctx context.Context, job *ingest.Job, plugin sources.Plugin) error {
	desc := plugin.Descriptor()

	// Checksum manifests first: other artifacts verify against them.
	manifests := make(map[string]map[string]string)

	for _, artifact := range desc.Artifacts {
		if !isManifest(desc, artifact.FileType) {
			continue
		}

		digests, err := d.fetchManifest(ctx, job, desc, artifact)
		if err != nil {
			return err
		}

		manifests[artifact.FileType] = digests
	}

	for _, artifact := range desc.Artifacts {
		if isManifest(desc, artifact.FileType) {
			continue
		}

		expected := ""

		if artifact.DigestSource != "" {
			manifest, ok := manifests[artifact.DigestSource]
			if !ok {
				return fmt.Errorf("artifact %s references unknown digest source %s", artifact.FileType, artifact.DigestSource)
			}

			filename := artifactFilename(artifact, job.ExternalVersion)

			expected, ok = manifest[filename]
			if !ok {
				return fmt.Errorf("%w: no manifest entry for %s", ErrIntegrityMismatch, filename)
			}
		}

		if err := d.downloadArtifact(ctx, job, desc, artifact, expected); err != nil {
			return err
		}
	}

	return nil
}

// fetchManifest downloads a checksum manifest, records it as a raw
// file, and parses it.
func (d *Downloader) fetchManifest(ctx context.Context, job *ingest.Job, desc sources.Descriptor, artifact sources.Artifact) (map[string]string, error) {
	filename := artifactFilename(artifact, job.ExternalVersion)
	key := objectstore.TransientKey(job.OrganizationSlug, job.ExternalVersion, filename)

	body, err := d.fetcher.FetchBytes(ctx, desc.ArtifactURL(job.ExternalVersion, artifact.RelPath))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", artifact.FileType, err)
	}

	digests, err := upstream.ParseChecksumManifest(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	file := &ingest.RawFile{
		JobID:     job.ID,
		FileType:  artifact.FileType,
		ObjectKey: key,
		Status:    ingest.RawFileDownloading,
	}
	if err := d.files.UpsertRawFile(ctx, file); err != nil {
		return nil, err
	}

	if _, err := d.objects.Put(ctx, key, "text/plain", bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}

	if err := d.files.MarkRawFileVerified(ctx, file.ID, ingest.ContentDigest(body)); err != nil {
		return nil, err
	}

	return digests, nil
}

func (d *Downloader) downloadArtifact(ctx context.Context, job *ingest.Job, desc sources.Descriptor, artifact sources.Artifact, expected string) error {
	filename := artifactFilename(artifact, job.ExternalVersion)
	key := objectstore.TransientKey(job.OrganizationSlug, job.ExternalVersion, filename)

	// Short-circuit: an earlier attempt already verified this artifact.
	existing, err := d.files.GetRawFile(ctx, job.ID, artifact.FileType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if existing != nil && existing.Status == ingest.RawFileVerified {
		d.logger.Info("artifact already verified, skipping download",
			slog.Int64("job_id", job.ID),
			slog.String("file_type", artifact.FileType),
		)

		return nil
	}

	file := &ingest.RawFile{
		JobID:          job.ID,
		FileType:       artifact.FileType,
		ObjectKey:      key,
		ExpectedDigest: expected,
		Status:         ingest.RawFileDownloading,
	}
	if err := d.files.UpsertRawFile(ctx, file); err != nil {
		return err
	}

	dest, err := os.CreateTemp(d.tmpDir, "download-*")
	if err != nil {
		return fmt.Errorf("failed to create download temp file: %w", err)
	}

	destPath := dest.Name()

	_ = dest.Close()

	defer func() {
		_ = os.Remove(destPath)
	}()

	result, err := d.fetcher.FetchFile(ctx, desc.ArtifactURL(job.ExternalVersion, artifact.RelPath), destPath)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", artifact.FileType, err)
	}

	// Fetched but not yet integrity-checked.
	file.Status = ingest.RawFileDownloaded
	if err := d.files.UpsertRawFile(ctx, file); err != nil {
		return err
	}

	if expected != "" && result.Digest != expected {
		if err := d.files.MarkRawFileFailed(ctx, file.ID, result.Digest); err != nil {
			d.logger.Warn("failed to record digest mismatch", slog.String("error", err.Error()))
		}

		return fmt.Errorf("%w: %s expected %s, got %s", ErrIntegrityMismatch, filename, expected, result.Digest)
	}

	body, err := os.Open(destPath) // #nosec G304 - temp file created above
	if err != nil {
		return fmt.Errorf("failed to reopen download: %w", err)
	}

	defer func() {
		_ = body.Close()
	}()

	contentType := objectstore.ContentTypeForFormat(strings.TrimPrefix(filepath.Ext(filename), "."))
	if _, err := d.objects.Put(ctx, key, contentType, body); err != nil {
		return fmt.Errorf("failed to upload %s: %w", artifact.FileType, err)
	}

	if err := d.files.MarkRawFileVerified(ctx, file.ID, result.Digest); err != nil {
		return err
	}

	d.logger.Info("artifact downloaded and verified",
		slog.Int64("job_id", job.ID),
		slog.String("file_type", artifact.FileType),
		slog.Int64("size", result.Size),
	)

	return nil
}

// isManifest reports whether a file type is referenced as a digest
// source by any artifact of the source.
func isManifest(desc sources.Descriptor, fileType string) bool {
	for _, artifact := range desc.Artifacts {
		if artifact.DigestSource == fileType {
			return true
		}
	}

	return false
}

func artifactFilename(artifact sources.Artifact, externalVersion string) string {
	return filepath.Base(strings.ReplaceAll(artifact.RelPath, "{version}", externalVersion))
}
