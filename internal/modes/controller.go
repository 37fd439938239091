package modes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/storage"
)

// Discovery finds releases and answers dedup questions.
type Discovery interface {
	DiscoverCurrent(ctx context.Context, plugin sources.Plugin) (string, error)
	DiscoverRange(ctx context.Context, plugin sources.Plugin, start, end string) ([]string, error)
	ExistsInStore(ctx context.Context, orgID int64, externalVersion string) (bool, error)
	WasIngestedAsCurrent(ctx context.Context, orgID int64, jobType, externalVersion string) (bool, error)
}

// OrgStore resolves the catalog organization for a source.
type OrgStore interface {
	EnsureOrganization(ctx context.Context, slug, name, license, citation string) (*catalog.Organization, error)
	GetSyncStatus(ctx context.Context, orgID int64, sourceType string) (*catalog.SyncStatus, error)
}

// JobRunner creates and drives one release's job to a terminal status.
type JobRunner interface {
	RunRelease(ctx context.Context, plugin sources.Plugin, externalVersion string, isCurrent bool) error
}

// Controller dispatches a source sync to its configured policy.
type Controller struct {
	discovery Discovery
	orgs      OrgStore
	runner    JobRunner
	logger    *slog.Logger
}

// NewController creates a mode controller.
func NewController(discovery Discovery, orgs OrgStore, runner JobRunner) *Controller {
	return &Controller{
		discovery: discovery,
		orgs:      orgs,
		runner:    runner,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Sync runs one sync pass for a source under its configured mode.
func (c *Controller) Sync(ctx context.Context, plugin sources.Plugin) error {
	desc := plugin.Descriptor()

	cfg, err := LoadSourceConfig(desc.Name)
	if err != nil {
		return err
	}

	orgInfo := desc.Organization

	org, err := c.orgs.EnsureOrganization(ctx, orgInfo.Slug, orgInfo.Name, orgInfo.License, orgInfo.Citation)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case ModeLatest:
		return c.runLatest(ctx, plugin, org, cfg)
	case ModeHistorical:
		return c.runHistorical(ctx, plugin, org, cfg)
	default:
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}
}

// runLatest ingests the current release when it is newer than the last
// completed sync and not below the cutoff.
func (c *Controller) runLatest(ctx context.Context, plugin sources.Plugin, org *catalog.Organization, cfg SourceConfig) error {
	desc := plugin.Descriptor()

	version, err := c.discovery.DiscoverCurrent(ctx, plugin)
	if err != nil {
		return err
	}

	if belowCutoff(version, cfg.IgnoreBefore) {
		c.logger.Info("current release below cutoff, skipping",
			slog.String("source", desc.Name),
			slog.String("external_version", version),
			slog.String("cutoff", cfg.IgnoreBefore),
		)

		return nil
	}

	last, err := c.orgs.GetSyncStatus(ctx, org.ID, desc.Name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if last != nil && catalog.CompareExternalVersions(version, last.ExternalVersion) <= 0 {
		c.logger.Info("already up to date",
			slog.String("source", desc.Name),
			slog.String("external_version", last.ExternalVersion),
		)

		return nil
	}

	return c.runner.RunRelease(ctx, plugin, version, true)
}

// runHistorical ingests a range of archived releases sequentially in
// batches, tolerating per-version failures.
func (c *Controller) runHistorical(ctx context.Context, plugin sources.Plugin, org *catalog.Organization, cfg SourceConfig) error {
	desc := plugin.Descriptor()

	versions, err := c.discovery.DiscoverRange(ctx, plugin, cfg.HistoricalStart, cfg.HistoricalEnd)
	if err != nil {
		return err
	}

	var runnable []string

	for _, version := range versions {
		skip, err := c.shouldSkip(ctx, plugin, org, cfg, version)
		if err != nil {
			return err
		}

		if !skip {
			runnable = append(runnable, version)
		}
	}

	c.logger.Info("historical sync planned",
		slog.String("source", desc.Name),
		slog.Int("discovered", len(versions)),
		slog.Int("to_ingest", len(runnable)),
	)

	var failures int

	for start := 0; start < len(runnable); start += cfg.HistoricalBatchSize {
		end := min(start+cfg.HistoricalBatchSize, len(runnable))

		for _, version := range runnable[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := c.runner.RunRelease(ctx, plugin, version, false); err != nil {
				failures++

				c.logger.Error("historical release failed, continuing",
					slog.String("source", desc.Name),
					slog.String("external_version", version),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if failures > 0 {
		return fmt.Errorf("historical sync for %s: %d of %d releases failed", desc.Name, failures, len(runnable))
	}

	return nil
}

func (c *Controller) shouldSkip(ctx context.Context, plugin sources.Plugin, org *catalog.Organization, cfg SourceConfig, version string) (bool, error) {
	desc := plugin.Descriptor()

	if belowCutoff(version, cfg.IgnoreBefore) {
		return true, nil
	}

	if cfg.SkipExisting {
		exists, err := c.discovery.ExistsInStore(ctx, org.ID, version)
		if err != nil {
			return false, err
		}

		if exists {
			return true, nil
		}
	}

	// A release first ingested from the "current" path is the same data
	// after it moves into the archives.
	asCurrent, err := c.discovery.WasIngestedAsCurrent(ctx, org.ID, desc.Name, version)
	if err != nil {
		return false, err
	}

	return asCurrent, nil
}

func belowCutoff(version, cutoff string) bool {
	return cutoff != "" && catalog.CompareExternalVersions(version, cutoff) < 0
}

// RunScheduled runs Sync for every plugin on a cron schedule, blocking
// until ctx is canceled. The schedule comes from REFINERY_SYNC_SCHEDULE
// (standard 5-field cron).
func (c *Controller) RunScheduled(ctx context.Context, schedule string, plugins []sources.Plugin) error {
	runner := cron.New()

	_, err := runner.AddFunc(schedule, func() {
		for _, plugin := range plugins {
			if err := c.Sync(ctx, plugin); err != nil {
				c.logger.Error("scheduled sync failed",
					slog.String("source", plugin.Descriptor().Name),
					slog.String("error", err.Error()),
				)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}

	runner.Start()
	<-ctx.Done()

	stopped := runner.Stop()
	<-stopped.Done()

	return ctx.Err()
}
