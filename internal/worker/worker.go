// Package worker runs the stateless work-unit execution loop: claim,
// heartbeat, dispatch, complete-or-fail.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/stage"
	"github.com/refinery-io/refinery/internal/storage"
)

// Default worker tuning.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleSleep         = 10 * time.Second
	DefaultMaxRetries        = 3
)

// Queue is the work queue subset the worker needs.
type Queue interface {
	Claim(ctx context.Context, workerID, hostname string, jobID int64, unitType ingest.UnitType) (*ingest.WorkUnit, error)
	Heartbeat(ctx context.Context, unitID int64, workerID string) error
	Fail(ctx context.Context, unitID int64, workerID, reason string, maxRetries int) error
}

// FailureRecorder appends to the structured failure log.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, failure ingest.Failure) error
}

// Handler executes one kind of work unit. A nil return from Handle
// means the unit was completed inside the handler's transaction;
// storage.ErrStaleClaim means the claim was lost and the work must be
// discarded silently; any other error fails the unit.
type Handler interface {
	Type() ingest.UnitType
	Handle(ctx context.Context, unit *ingest.WorkUnit, workerID string) error
}

// Config tunes a worker process.
type Config struct {
	// Threads is the handler pool size.
	Threads int

	// HeartbeatInterval is how often claims are refreshed. The reaper
	// timeout derives from it (4x).
	HeartbeatInterval time.Duration

	// IdleSleep is how long to sleep when no unit is pending.
	IdleSleep time.Duration

	// MaxRetries is how many times a failed unit is retried after its
	// first attempt before it lands in failed.
	MaxRetries int

	// JobID scopes claims to one job; zero claims from any job.
	JobID int64

	// UnitType scopes claims to one unit type; empty claims any.
	UnitType ingest.UnitType
}

// LoadConfig reads worker tuning from the environment.
func LoadConfig() Config {
	return Config{
		Threads:           config.GetEnvInt("INGEST_WORKER_THREADS", runtime.NumCPU()),
		HeartbeatInterval: config.GetEnvSeconds("INGEST_HEARTBEAT_INTERVAL_SECS", DefaultHeartbeatInterval),
		IdleSleep:         DefaultIdleSleep,
		MaxRetries:        config.GetEnvInt("INGEST_MAX_RETRIES", DefaultMaxRetries),
	}
}

// Worker is one anonymous worker process: a fresh UUID plus hostname,
// running a fixed pool of claim loops.
type Worker struct {
	id       string
	hostname string
	queue    Queue
	failures FailureRecorder
	handlers map[ingest.UnitType]Handler
	cfg      Config
	logger   *slog.Logger
}

// New creates a worker with a fresh identity.
func New(queue Queue, failures FailureRecorder, handlers []Handler, cfg Config) (*Worker, error) {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	byType := make(map[ingest.UnitType]Handler, len(handlers))

	for _, h := range handlers {
		if _, dup := byType[h.Type()]; dup {
			return nil, fmt.Errorf("duplicate handler for unit type %s", h.Type())
		}

		byType[h.Type()] = h
	}

	if len(byType) == 0 {
		return nil, errors.New("worker needs at least one handler")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Worker{
		id:       uuid.NewString(),
		hostname: hostname,
		queue:    queue,
		failures: failures,
		handlers: byType,
		cfg:      cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// Run starts the handler pool and blocks until ctx is canceled and all
// loops have returned. Shutdown is cooperative: in-flight claims are
// abandoned to the reaper rather than failed, since failing them here
// would race the reaper.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker starting",
		slog.String("worker_id", w.id),
		slog.String("hostname", w.hostname),
		slog.Int("threads", w.cfg.Threads),
	)

	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Threads; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	wg.Wait()

	w.logger.Info("worker stopped", slog.String("worker_id", w.id))
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		unit, err := w.queue.Claim(ctx, w.id, w.hostname, w.cfg.JobID, w.cfg.UnitType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			w.logger.Error("claim failed", slog.String("error", err.Error()))
			w.sleep(ctx, w.cfg.IdleSleep)

			continue
		}

		if unit == nil {
			w.sleep(ctx, w.cfg.IdleSleep)

			continue
		}

		w.process(ctx, unit)
	}
}

// process runs one claimed unit: a heartbeat goroutine keeps the claim
// alive while the handler works; a lost claim cancels the handler.
func (w *Worker) process(ctx context.Context, unit *ingest.WorkUnit) {
	handler, ok := w.handlers[unit.UnitType]
	if !ok {
		// Claimed a type this process cannot execute; fail it back so a
		// capable worker picks it up.
		w.fail(ctx, unit, fmt.Sprintf("no handler for unit type %s", unit.UnitType))

		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})

	go func() {
		defer close(hbDone)
		w.heartbeatLoop(handlerCtx, unit, cancel)
	}()

	err := handler.Handle(handlerCtx, unit, w.id)

	cancel()
	<-hbDone

	switch {
	case err == nil:
		// Handler completed the unit in its own transaction.

	case errors.Is(err, storage.ErrStaleClaim):
		w.logger.Warn("claim lost, discarding work",
			slog.Int64("unit_id", unit.ID),
			slog.String("worker_id", w.id),
		)

	case ctx.Err() != nil:
		// Shutdown: abandon the claim; the reaper requeues it.
		w.logger.Info("abandoning claim on shutdown", slog.Int64("unit_id", unit.ID))

	default:
		w.fail(ctx, unit, err.Error())
		w.recordFailure(ctx, unit, err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, unit *ingest.WorkUnit, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, unit.ID, w.id)
			if errors.Is(err, storage.ErrStaleClaim) {
				w.logger.Warn("heartbeat found stale claim, canceling handler",
					slog.Int64("unit_id", unit.ID),
				)
				cancel()

				return
			}

			if err != nil && ctx.Err() == nil {
				// Transient heartbeat misses are survivable as long as
				// one lands within the reaper timeout.
				w.logger.Warn("heartbeat failed",
					slog.Int64("unit_id", unit.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (w *Worker) fail(ctx context.Context, unit *ingest.WorkUnit, reason string) {
	err := w.queue.Fail(ctx, unit.ID, w.id, reason, w.cfg.MaxRetries)
	if err != nil && !errors.Is(err, storage.ErrStaleClaim) {
		w.logger.Error("failed to release unit",
			slog.Int64("unit_id", unit.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) recordFailure(ctx context.Context, unit *ingest.WorkUnit, handlerErr error) {
	failure := ingest.Failure{
		JobID:      unit.JobID,
		WorkUnitID: unit.ID,
		WorkerID:   w.id,
		Kind:       classify(handlerErr),
		Message:    handlerErr.Error(),
	}
	if err := w.failures.RecordFailure(ctx, failure); err != nil {
		w.logger.Warn("failed to record failure", slog.String("error", err.Error()))
	}
}

// classify maps a handler error to a failure kind for the log table.
func classify(err error) string {
	switch {
	case errors.Is(err, stage.ErrTooManyParseErrors):
		return ingest.FailureKindParse
	case errors.Is(err, stage.ErrIntegrityMismatch):
		return ingest.FailureKindIntegrity
	case errors.Is(err, storage.ErrVersionConflict):
		return ingest.FailureKindConstraint
	case errors.Is(err, stage.ErrUnresolvedReference):
		return ingest.FailureKindMissingRef
	case storage.IsConnectionError(err):
		return ingest.FailureKindTransient
	default:
		return ingest.FailureKindTransient
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
