package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/coordinator"
	"github.com/refinery-io/refinery/internal/discovery"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/modes"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/stage"
	"github.com/refinery-io/refinery/internal/storage"
	"github.com/refinery-io/refinery/internal/upstream"
)

// DefaultMaxParseErrors bounds malformed records per parse unit.
const DefaultMaxParseErrors = 100

// app wires the shared dependencies of every subcommand.
type app struct {
	conn      *storage.Connection
	jobs      *storage.JobStore
	queue     *storage.WorkQueue
	staging   *storage.StagingStore
	catalog   *storage.CatalogStore
	objects   objectstore.Store
	cache     *stage.Cache
	fetcher   *upstream.Fetcher
	registry  *sources.Registry
	publisher events.Publisher
	discovery *discovery.Service
	logger    *slog.Logger
}

// newApp connects to the database and builds the shared components.
func newApp() (*app, error) {
	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		return nil, err
	}

	jobs, err := storage.NewJobStore(conn)
	if err != nil {
		return nil, err
	}

	queue, err := storage.NewWorkQueue(conn)
	if err != nil {
		return nil, err
	}

	staging, err := storage.NewStagingStore(conn)
	if err != nil {
		return nil, err
	}

	catalogStore, err := storage.NewCatalogStore(conn)
	if err != nil {
		return nil, err
	}

	objects, err := objectstore.NewFSStore(config.GetEnvStr("REFINERY_OBJECT_STORE_DIR", "./objects"))
	if err != nil {
		return nil, err
	}

	cache, err := stage.NewCache(config.GetEnvStr("INGEST_CACHE_DIR", filepath.Join(os.TempDir(), "refinery-cache")))
	if err != nil {
		return nil, err
	}

	registry, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	fetcher := upstream.NewFetcher(upstream.LoadFetcherConfig())

	return &app{
		conn:      conn,
		jobs:      jobs,
		queue:     queue,
		staging:   staging,
		catalog:   catalogStore,
		objects:   objects,
		cache:     cache,
		fetcher:   fetcher,
		registry:  registry,
		publisher: events.NewFromEnv(),
		discovery: discovery.NewService(fetcher, catalogStore, jobs),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Close releases the database connection and flushes the event stream.
func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("failed to close event publisher", slog.String("error", err.Error()))
	}

	if err := a.conn.Close(); err != nil {
		a.logger.Warn("failed to close database connection", slog.String("error", err.Error()))
	}
}

// loadRegistry builds the source registry from the sources file named
// by REFINERY_SOURCES_FILE. Every entry becomes a TSV plugin with the
// entry's overrides applied.
func loadRegistry() (*sources.Registry, error) {
	registry := sources.NewRegistry()

	overrides, err := sources.LoadOverrides(config.GetEnvStr("REFINERY_SOURCES_FILE", ""))
	if err != nil {
		return nil, err
	}

	for name, override := range overrides {
		desc := override.Apply(sources.Descriptor{Name: name})

		if err := registry.Register(sources.NewTSVSource(desc)); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// newCoordinator builds a coordinator over the app's stores.
func (a *app) newCoordinator() *coordinator.Coordinator {
	tmpDir := config.GetEnvStr("INGEST_TMP_DIR", os.TempDir())
	downloader := stage.NewDownloader(a.jobs, a.fetcher, a.objects, tmpDir)

	return coordinator.New(
		a.jobs, a.queue, a.staging, a.catalog,
		downloader, a.cache, a.objects, a.registry,
		a.publisher, coordinator.LoadConfig(),
	)
}

// newController builds the mode controller, with this process as the
// job runner.
func (a *app) newController() *modes.Controller {
	return modes.NewController(a.discovery, a.catalog, &releaseRunner{app: a})
}

// releaseRunner creates the job for one release and drives it to a
// terminal status with an in-process coordinator.
type releaseRunner struct {
	app *app
}

// RunRelease runs one release end to end. If a job for the release
// already exists it is joined, not duplicated.
func (r *releaseRunner) RunRelease(ctx context.Context, plugin sources.Plugin, externalVersion string, isCurrent bool) error {
	desc := plugin.Descriptor()
	orgInfo := desc.Organization

	org, err := r.app.catalog.EnsureOrganization(ctx, orgInfo.Slug, orgInfo.Name, orgInfo.License, orgInfo.Citation)
	if err != nil {
		return err
	}

	metadata := map[string]any{
		"is_current": isCurrent,
		"run_key":    uuid.NewString(),
	}

	job, existed, err := r.app.jobs.CreateJob(ctx, org.ID, desc.Name, externalVersion, metadata)
	if err != nil {
		return err
	}

	if existed {
		r.app.logger.Info("joining existing job for release",
			slog.Int64("job_id", job.ID),
			slog.String("source", desc.Name),
			slog.String("external_version", externalVersion),
		)
	}

	if err := r.app.newCoordinator().RunJob(ctx, job.ID); err != nil {
		return fmt.Errorf("release %s %s: %w", desc.Name, externalVersion, err)
	}

	return nil
}
