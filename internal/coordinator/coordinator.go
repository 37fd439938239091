// Package coordinator drives jobs through the pipeline state machine
// and recovers stalled claims. The coordinator never executes work-unit
// payloads; it creates and inspects them, which keeps workers stateless
// and horizontally scalable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
	"github.com/refinery-io/refinery/internal/stage"
)

// Default coordinator tuning.
const (
	DefaultTickInterval   = 5 * time.Second
	DefaultStoreBatchSize = 100
	DefaultGracePeriod    = 10 * time.Minute
)

// JobControl is the job store subset the coordinator needs.
type JobControl interface {
	GetJob(ctx context.Context, jobID int64) (*ingest.Job, error)
	GetRawFile(ctx context.Context, jobID int64, fileType string) (*ingest.RawFile, error)
	AdvanceStatus(ctx context.Context, jobID int64, from, to ingest.JobStatus) error
	FailJob(ctx context.Context, jobID int64, kind, reason string) error
}

// UnitPlanner creates and inspects work units.
type UnitPlanner interface {
	CreateUnits(ctx context.Context, jobID int64, unitType ingest.UnitType, specs []ingest.UnitSpec) error
	CountByStatus(ctx context.Context, jobID int64, unitType ingest.UnitType) (map[ingest.UnitStatus]int, error)
}

// StorePlanner computes store unit bounds over staged records.
type StorePlanner interface {
	StoreUnitBounds(ctx context.Context, jobID int64, batchSize int) ([]ingest.UnitSpec, error)
}

// SyncUpdater records completed syncs.
type SyncUpdater interface {
	UpsertSyncStatus(ctx context.Context, orgID int64, sourceType, externalVersion string) error
}

// Config tunes a coordinator.
type Config struct {
	// TickInterval is the state machine polling period.
	TickInterval time.Duration

	// StoreBatchSize is records per store unit. Smaller than parse
	// batches: each record does more work.
	StoreBatchSize int

	// GracePeriod is how long a job with terminally failed units waits
	// for a manual requeue before the job itself fails.
	GracePeriod time.Duration
}

// LoadConfig reads coordinator tuning from the environment.
func LoadConfig() Config {
	return Config{
		TickInterval:   DefaultTickInterval,
		StoreBatchSize: config.GetEnvInt("INGEST_STORE_BATCH_SIZE", DefaultStoreBatchSize),
		GracePeriod:    config.GetEnvSeconds("INGEST_FAILED_GRACE_SECS", DefaultGracePeriod),
	}
}

// Coordinator drives one job at a time through the state machine, one
// transition per tick.
type Coordinator struct {
	jobs       JobControl
	units      UnitPlanner
	storePlans StorePlanner
	sync       SyncUpdater
	downloader *stage.Downloader
	cache      *stage.Cache
	objects    objectstore.Store
	registry   *sources.Registry
	publisher  events.Publisher
	cfg        Config
	logger     *slog.Logger

	// graceStart marks when failed units were first observed in the
	// current phase.
	graceStart time.Time
}

// New creates a coordinator.
func New(
	jobs JobControl,
	units UnitPlanner,
	storePlans StorePlanner,
	sync SyncUpdater,
	downloader *stage.Downloader,
	cache *stage.Cache,
	objects objectstore.Store,
	registry *sources.Registry,
	publisher events.Publisher,
	cfg Config,
) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	if cfg.StoreBatchSize <= 0 {
		cfg.StoreBatchSize = DefaultStoreBatchSize
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	return &Coordinator{
		jobs:       jobs,
		units:      units,
		storePlans: storePlans,
		sync:       sync,
		downloader: downloader,
		cache:      cache,
		objects:    objects,
		registry:   registry,
		publisher:  publisher,
		cfg:        cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// RunJob drives a job to a terminal status, returning nil on completed
// and an error on failed. Transient step errors are logged and retried
// on the next tick; only integrity violations and exhausted grace
// periods fail the job.
func (c *Coordinator) RunJob(ctx context.Context, jobID int64) error {
	for {
		job, err := c.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status.IsTerminal() {
			if job.Status == ingest.JobFailed {
				return fmt.Errorf("job %d failed", jobID)
			}

			return nil
		}

		if err := c.step(ctx, job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Error("coordinator step failed, will retry",
				slog.Int64("job_id", jobID),
				slog.String("status", string(job.Status)),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-time.After(c.cfg.TickInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// step performs at most one state transition.
func (c *Coordinator) step(ctx context.Context, job *ingest.Job) error {
	plugin, err := c.registry.Get(job.JobType)
	if err != nil {
		return c.failJob(ctx, job, ingest.FailureKindConstraint, err.Error())
	}

	switch job.Status {
	case ingest.JobPending:
		return c.advance(ctx, job, ingest.JobPending, ingest.JobDownloading)

	case ingest.JobDownloading:
		return c.runDownload(ctx, job, plugin)

	case ingest.JobDownloadVerified:
		return c.planParseUnits(ctx, job, plugin)

	case ingest.JobParsing:
		return c.watchPhase(ctx, job, ingest.UnitParse, func() error {
			return c.planStoreUnits(ctx, job)
		})

	case ingest.JobStoring:
		return c.watchPhase(ctx, job, ingest.UnitStore, func() error {
			return c.advance(ctx, job, ingest.JobStoring, ingest.JobFinalizing)
		})

	case ingest.JobFinalizing:
		return c.finalize(ctx, job)

	default:
		return fmt.Errorf("unexpected job status %s", job.Status)
	}
}

func (c *Coordinator) runDownload(ctx context.Context, job *ingest.Job, plugin sources.Plugin) error {
	err := c.downloader.Run(ctx, job, plugin)
	if errors.Is(err, stage.ErrIntegrityMismatch) {
		return c.failJob(ctx, job, ingest.FailureKindIntegrity, err.Error())
	}

	if err != nil {
		return err
	}

	return c.advance(ctx, job, ingest.JobDownloading, ingest.JobDownloadVerified)
}

// planParseUnits counts records in the decompressed artifact and
// creates the parse fan-out.
func (c *Coordinator) planParseUnits(ctx context.Context, job *ingest.Job, plugin sources.Plugin) error {
	raw, err := c.jobs.GetRawFile(ctx, job.ID, "data")
	if err != nil {
		return err
	}

	path, err := c.cache.Get(ctx, c.objects, job.OrganizationSlug, job.ExternalVersion, raw.ObjectKey)
	if err != nil {
		return err
	}

	total, err := stage.CountRecords(ctx, path, plugin)
	if err != nil {
		return err
	}

	specs := ingest.PlanUnits(total, int64(parseBatchSize(plugin)))
	if err := c.units.CreateUnits(ctx, job.ID, ingest.UnitParse, specs); err != nil {
		return err
	}

	c.logger.Info("parse units planned",
		slog.Int64("job_id", job.ID),
		slog.Int64("records", total),
		slog.Int("units", len(specs)),
	)

	return c.advance(ctx, job, ingest.JobDownloadVerified, ingest.JobParsing)
}

func (c *Coordinator) planStoreUnits(ctx context.Context, job *ingest.Job) error {
	specs, err := c.storePlans.StoreUnitBounds(ctx, job.ID, c.cfg.StoreBatchSize)
	if err != nil {
		return err
	}

	if err := c.units.CreateUnits(ctx, job.ID, ingest.UnitStore, specs); err != nil {
		return err
	}

	c.logger.Info("store units planned",
		slog.Int64("job_id", job.ID),
		slog.Int("units", len(specs)),
	)

	return c.advance(ctx, job, ingest.JobParsing, ingest.JobStoring)
}

// watchPhase inspects one fan-out phase. The phase is done when no unit
// remains pending or claimed; terminally failed units hold the job in a
// grace period for manual requeue before failing it.
func (c *Coordinator) watchPhase(ctx context.Context, job *ingest.Job, unitType ingest.UnitType, onDone func() error) error {
	counts, err := c.units.CountByStatus(ctx, job.ID, unitType)
	if err != nil {
		return err
	}

	if counts[ingest.UnitPending]+counts[ingest.UnitClaimed] > 0 {
		c.graceStart = time.Time{}

		return nil
	}

	if failed := counts[ingest.UnitFailed]; failed > 0 {
		if c.graceStart.IsZero() {
			c.graceStart = time.Now()

			c.logger.Warn("phase has terminally failed units, grace period started",
				slog.Int64("job_id", job.ID),
				slog.String("unit_type", string(unitType)),
				slog.Int("failed", failed),
				slog.Duration("grace_period", c.cfg.GracePeriod),
			)

			return nil
		}

		if time.Since(c.graceStart) < c.cfg.GracePeriod {
			return nil
		}

		return c.failJob(ctx, job, ingest.FailureKindExhausted,
			fmt.Sprintf("%d %s units failed terminally", failed, unitType))
	}

	c.graceStart = time.Time{}

	return onDone()
}

// finalize records the completed sync, logs the transient objects that
// are now archive candidates, and completes the job.
func (c *Coordinator) finalize(ctx context.Context, job *ingest.Job) error {
	if err := c.sync.UpsertSyncStatus(ctx, job.OrganizationID, job.JobType, job.ExternalVersion); err != nil {
		return err
	}

	prefix := fmt.Sprintf("ingest/%s/%s/", job.OrganizationSlug, job.ExternalVersion)

	keys, err := c.objects.List(ctx, prefix)
	if err != nil {
		c.logger.Warn("failed to list transient objects", slog.String("error", err.Error()))
	} else {
		c.logger.Info("transient objects eligible for archive",
			slog.Int64("job_id", job.ID),
			slog.String("prefix", prefix),
			slog.Int("count", len(keys)),
		)
	}

	return c.advance(ctx, job, ingest.JobFinalizing, ingest.JobCompleted)
}

func (c *Coordinator) advance(ctx context.Context, job *ingest.Job, from, to ingest.JobStatus) error {
	if err := c.jobs.AdvanceStatus(ctx, job.ID, from, to); err != nil {
		return err
	}

	c.publish(ctx, job, string(to))

	return nil
}

func (c *Coordinator) failJob(ctx context.Context, job *ingest.Job, kind, reason string) error {
	if err := c.jobs.FailJob(ctx, job.ID, kind, reason); err != nil {
		return err
	}

	c.publish(ctx, job, string(ingest.JobFailed))

	return nil
}

func (c *Coordinator) publish(ctx context.Context, job *ingest.Job, status string) {
	err := c.publisher.Publish(ctx, events.Event{
		Kind:            events.KindJobStatus,
		JobID:           job.ID,
		JobType:         job.JobType,
		ExternalVersion: job.ExternalVersion,
		Status:          status,
	})
	if err != nil {
		c.logger.Warn("failed to publish status event", slog.String("error", err.Error()))
	}
}

// parseBatchSize returns the per-source parse batch size, overridable
// with INGEST_<SOURCE>_BATCH_SIZE.
func parseBatchSize(plugin sources.Plugin) int {
	desc := plugin.Descriptor()
	envKey := fmt.Sprintf("INGEST_%s_BATCH_SIZE", strings.ToUpper(desc.Name))

	return config.GetEnvInt(envKey, desc.BatchSize)
}
