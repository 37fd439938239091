// Package discovery finds upstream release versions: the current one
// from release notes, and historical ones from directory listings.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/sources"
)

// ErrNoVersionsFound is returned when a historical listing matches no
// release directories.
var ErrNoVersionsFound = errors.New("no versions found in listing")

// Fetcher is the upstream access discovery needs.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// CatalogChecker answers whether a release already exists in the
// catalog.
type CatalogChecker interface {
	ExternalVersionExists(ctx context.Context, orgID int64, externalVersion string) (bool, error)
}

// JobChecker answers whether a release was already ingested to
// completion from the upstream "current" path.
type JobChecker interface {
	WasIngestedAsCurrent(ctx context.Context, orgID int64, jobType, externalVersion string) (bool, error)
}

// Service discovers release versions for one or more sources.
type Service struct {
	fetcher Fetcher
	catalog CatalogChecker
	jobs    JobChecker
	logger  *slog.Logger
}

// NewService creates a discovery service.
func NewService(fetcher Fetcher, catalogChecker CatalogChecker, jobChecker JobChecker) *Service {
	return &Service{
		fetcher: fetcher,
		catalog: catalogChecker,
		jobs:    jobChecker,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// DiscoverCurrent fetches the source's release notes and extracts the
// current external version.
func (s *Service) DiscoverCurrent(ctx context.Context, plugin sources.Plugin) (string, error) {
	desc := plugin.Descriptor()

	notes, err := s.fetcher.FetchBytes(ctx, desc.ReleaseNotesURL())
	if err != nil {
		return "", fmt.Errorf("failed to fetch release notes for %s: %w", desc.Name, err)
	}

	version, err := plugin.ExtractVersion(notes)
	if err != nil {
		return "", fmt.Errorf("failed to extract version for %s: %w", desc.Name, err)
	}

	s.logger.Info("discovered current release",
		slog.String("source", desc.Name),
		slog.String("external_version", version),
	)

	return version, nil
}

// DiscoverRange fetches the source's historical listing and returns the
// external versions within [start, end], ascending. Empty bounds are
// unbounded on that side.
func (s *Service) DiscoverRange(ctx context.Context, plugin sources.Plugin, start, end string) ([]string, error) {
	desc := plugin.Descriptor()

	pattern, err := regexp.Compile(desc.HistoricalDirPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid historical pattern for %s: %w", desc.Name, err)
	}

	if pattern.NumSubexp() < 1 {
		return nil, fmt.Errorf("historical pattern for %s has no version capture group", desc.Name)
	}

	listing, err := s.fetcher.FetchBytes(ctx, desc.ListingURL())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing for %s: %w", desc.Name, err)
	}

	seen := make(map[string]bool)

	var versions []string

	for _, match := range pattern.FindAllStringSubmatch(string(listing), -1) {
		version := match[1]
		if seen[version] {
			continue
		}

		seen[version] = true

		if start != "" && catalog.CompareExternalVersions(version, start) < 0 {
			continue
		}

		if end != "" && catalog.CompareExternalVersions(version, end) > 0 {
			continue
		}

		versions = append(versions, version)
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoVersionsFound, desc.Name)
	}

	sort.Slice(versions, func(i, j int) bool {
		return catalog.CompareExternalVersions(versions[i], versions[j]) < 0
	})

	s.logger.Info("discovered historical releases",
		slog.String("source", desc.Name),
		slog.Int("count", len(versions)),
		slog.String("oldest", versions[0]),
		slog.String("newest", versions[len(versions)-1]),
	)

	return versions, nil
}

// ExistsInStore reports whether a release is already in the catalog.
func (s *Service) ExistsInStore(ctx context.Context, orgID int64, externalVersion string) (bool, error) {
	return s.catalog.ExternalVersionExists(ctx, orgID, externalVersion)
}

// WasIngestedAsCurrent reports whether a release was already completed
// from the "current" path. Historical mode skips these: a release that
// moved into the archives is the same data.
func (s *Service) WasIngestedAsCurrent(ctx context.Context, orgID int64, jobType, externalVersion string) (bool, error) {
	return s.jobs.WasIngestedAsCurrent(ctx, orgID, jobType, externalVersion)
}
