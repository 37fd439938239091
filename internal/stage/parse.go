package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/objectstore"
	"github.com/refinery-io/refinery/internal/sources"
)

// ErrTooManyParseErrors is returned when record-level parse errors in a
// unit exceed the configured limit.
var ErrTooManyParseErrors = errors.New("record-level parse errors exceed limit")

// errParseRangeDone aborts a parse early once a range sink has all the
// records it needs. Internal control flow, never surfaced.
var errParseRangeDone = errors.New("parse range complete")

// JobReader is the job store subset the worker-side stages need.
type JobReader interface {
	GetJob(ctx context.Context, jobID int64) (*ingest.Job, error)
	GetRawFile(ctx context.Context, jobID int64, fileType string) (*ingest.RawFile, error)
	RecordFailure(ctx context.Context, failure ingest.Failure) error
}

// ParseCompleter commits a parse unit's staged records atomically with
// the unit's completion.
type ParseCompleter interface {
	CompleteParseUnit(ctx context.Context, unit *ingest.WorkUnit, workerID string, records []ingest.StagedRecord) (int64, error)
}

// ParseHandler executes parse work units: it reads the cached
// decompressed artifact, parses the unit's record-index range, digests
// each record, and stages the batch in one transaction.
type ParseHandler struct {
	jobs         JobReader
	staging      ParseCompleter
	cache        *Cache
	objects      objectstore.Store
	registry     *sources.Registry
	maxMalformed int
	logger       *slog.Logger
}

// NewParseHandler creates a parse handler. maxMalformed bounds
// record-level parse errors per unit before the unit fails.
func NewParseHandler(
	jobs JobReader,
	staging ParseCompleter,
	cache *Cache,
	objects objectstore.Store,
	registry *sources.Registry,
	maxMalformed int,
) *ParseHandler {
	return &ParseHandler{
		jobs:         jobs,
		staging:      staging,
		cache:        cache,
		objects:      objects,
		registry:     registry,
		maxMalformed: maxMalformed,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Type returns the unit type this handler executes.
func (h *ParseHandler) Type() ingest.UnitType {
	return ingest.UnitParse
}

// Handle executes one claimed parse unit. A nil return means the unit
// was completed inside the staging transaction; storage.ErrStaleClaim
// passes through for the worker to discard.
func (h *ParseHandler) Handle(ctx context.Context, unit *ingest.WorkUnit, workerID string) error {
	job, err := h.jobs.GetJob(ctx, unit.JobID)
	if err != nil {
		return err
	}

	plugin, err := h.registry.Get(job.JobType)
	if err != nil {
		return err
	}

	raw, err := h.jobs.GetRawFile(ctx, job.ID, "data")
	if err != nil {
		return err
	}

	path, err := h.cache.Get(ctx, h.objects, job.OrganizationSlug, job.ExternalVersion, raw.ObjectKey)
	if err != nil {
		return err
	}

	data, err := os.Open(path) // #nosec G304 - cache-managed path
	if err != nil {
		return fmt.Errorf("failed to open cached artifact: %w", err)
	}

	defer func() {
		_ = data.Close()
	}()

	sink := &rangeSink{
		jobID:        job.ID,
		unitID:       unit.ID,
		sourceFile:   raw.ObjectKey,
		start:        unit.StartOffset,
		end:          unit.EndOffset,
		maxMalformed: h.maxMalformed,
		logger:       h.logger,
	}

	err = plugin.Parse(ctx, data, sink)
	if err != nil && !errors.Is(err, errParseRangeDone) {
		if errors.Is(err, ErrTooManyParseErrors) {
			h.recordFailure(ctx, unit, workerID, ingest.FailureKindParse, err.Error())
		}

		return err
	}

	if sink.malformed > 0 {
		h.logger.Warn("unit parsed with record-level errors",
			slog.Int64("unit_id", unit.ID),
			slog.Int("malformed", sink.malformed),
		)
	}

	staged, err := h.staging.CompleteParseUnit(ctx, unit, workerID, sink.records)
	if err != nil {
		return err
	}

	h.logger.Info("parse unit handled",
		slog.Int64("unit_id", unit.ID),
		slog.Int64("job_id", job.ID),
		slog.Int("parsed", len(sink.records)),
		slog.Int64("staged", staged),
	)

	return nil
}

func (h *ParseHandler) recordFailure(ctx context.Context, unit *ingest.WorkUnit, workerID, kind, message string) {
	err := h.jobs.RecordFailure(ctx, ingest.Failure{
		JobID:      unit.JobID,
		WorkUnitID: unit.ID,
		WorkerID:   workerID,
		Kind:       kind,
		Message:    message,
	})
	if err != nil {
		h.logger.Warn("failed to record failure", slog.String("error", err.Error()))
	}
}

// rangeSink collects the records whose index falls in the unit's
// half-open range. Indices count well-formed records only, so they are
// stable across replays of the same immutable artifact.
type rangeSink struct {
	jobID        int64
	unitID       int64
	sourceFile   string
	start        int64
	end          int64
	maxMalformed int
	logger       *slog.Logger

	index     int64
	malformed int
	records   []ingest.StagedRecord
}

func (s *rangeSink) Record(rec ingest.Record) error {
	idx := s.index
	s.index++

	if idx < s.start {
		return nil
	}

	if idx >= s.end {
		return errParseRangeDone
	}

	s.records = append(s.records, ingest.StagedRecord{
		JobID:            s.jobID,
		WorkUnitID:       s.unitID,
		RecordType:       rec.Type,
		RecordIdentifier: ingest.NormalizeSlug(rec.Identifier),
		Payload:          rec.Payload,
		ContentDigest:    ingest.ContentDigest(rec.Payload),
		SequenceDigest:   rec.SequenceDigest,
		SourceFile:       s.sourceFile,
		SourceOffset:     idx,
		Status:           ingest.RecordStaged,
	})

	return nil
}

func (s *rangeSink) Malformed(offset int64, parseErr error) error {
	s.malformed++

	s.logger.Warn("malformed record",
		slog.Int64("unit_id", s.unitID),
		slog.Int64("input_offset", offset),
		slog.String("error", parseErr.Error()),
	)

	if s.malformed > s.maxMalformed {
		return fmt.Errorf("%w: %d errors", ErrTooManyParseErrors, s.malformed)
	}

	return nil
}

// CountRecords counts the well-formed records in a decompressed
// artifact. The coordinator uses it to plan parse units.
func CountRecords(ctx context.Context, path string, plugin sources.Plugin) (int64, error) {
	data, err := os.Open(path) // #nosec G304 - cache-managed path
	if err != nil {
		return 0, fmt.Errorf("failed to open cached artifact: %w", err)
	}

	defer func() {
		_ = data.Close()
	}()

	sink := &countSink{}
	if err := plugin.Parse(ctx, data, sink); err != nil {
		return 0, err
	}

	return sink.count, nil
}

type countSink struct {
	count int64
}

func (s *countSink) Record(ingest.Record) error {
	s.count++

	return nil
}

func (s *countSink) Malformed(int64, error) error {
	return nil
}
