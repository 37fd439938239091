package coordinator

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/storage"
)

// Reaper tuning defaults. The timeout is 4x the worker heartbeat
// interval so a unit survives a few missed heartbeats before requeue.
const (
	DefaultReapInterval = 30 * time.Second
	DefaultReapTimeout  = 120 * time.Second
)

// ExpiredReaper is the queue subset the reaper needs.
type ExpiredReaper interface {
	ReapExpired(ctx context.Context, timeout time.Duration, maxRetries int) (storage.ReapResult, error)
}

// Reaper periodically releases claims whose worker stopped
// heartbeating: crashed, partitioned, or shut down. Safe to run on
// multiple processes; the reap statement is race-free.
type Reaper struct {
	queue      ExpiredReaper
	publisher  events.Publisher
	interval   time.Duration
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReaper creates a reaper. Timeout defaults to 4x the heartbeat
// interval and may be overridden with INGEST_WORKER_TIMEOUT_SECS.
func NewReaper(queue ExpiredReaper, publisher events.Publisher, heartbeatInterval time.Duration, maxRetries int) *Reaper {
	timeout := 4 * heartbeatInterval
	if timeout <= 0 {
		timeout = DefaultReapTimeout
	}

	timeout = config.GetEnvSeconds("INGEST_WORKER_TIMEOUT_SECS", timeout)

	return &Reaper{
		queue:      queue,
		publisher:  publisher,
		interval:   DefaultReapInterval,
		timeout:    timeout,
		maxRetries: maxRetries,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the reap loop in a background goroutine.
func (r *Reaper) Start() {
	r.logger.Info("reaper starting",
		slog.Duration("interval", r.interval),
		slog.Duration("timeout", r.timeout),
	)

	go r.run()
}

// Stop signals the loop to exit and waits for it.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Reaper) reapOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	result, err := r.queue.ReapExpired(ctx, r.timeout, r.maxRetries)
	if err != nil {
		r.logger.Error("reap pass failed", slog.String("error", err.Error()))

		return
	}

	if result.Requeued == 0 && result.Failed == 0 {
		return
	}

	err = r.publisher.Publish(ctx, events.Event{
		Kind:   events.KindUnitsReaped,
		Detail: "requeued=" + strconv.Itoa(result.Requeued) + " failed=" + strconv.Itoa(result.Failed),
	})
	if err != nil {
		r.logger.Warn("failed to publish reap event", slog.String("error", err.Error()))
	}
}
