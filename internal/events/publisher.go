// Package events publishes job and work-unit status transitions to a
// Kafka stream for monitoring dashboards. When no brokers are
// configured the publisher is a no-op; the pipeline never depends on
// the stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/refinery-io/refinery/internal/config"
)

// DefaultTopic is the status stream topic.
const DefaultTopic = "refinery.status"

// Event is one status transition on the stream.
type Event struct {
	Kind            string    `json:"kind"`
	JobID           int64     `json:"job_id"`
	JobType         string    `json:"job_type,omitempty"`
	ExternalVersion string    `json:"external_version,omitempty"`
	Status          string    `json:"status,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	At              time.Time `json:"at"`
}

// Event kinds.
const (
	KindJobStatus   = "job_status"
	KindUnitsReaped = "units_reaped"
)

// Publisher emits events. Implementations must be safe for concurrent
// use and must never block the pipeline on stream failures.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NewFromEnv returns a Kafka publisher when REFINERY_KAFKA_BROKERS is
// set, and a no-op publisher otherwise.
func NewFromEnv() Publisher {
	brokers := config.GetEnvStrSlice("REFINERY_KAFKA_BROKERS", nil)
	if len(brokers) == 0 {
		return Noop{}
	}

	return NewKafkaPublisher(brokers, config.GetEnvStr("REFINERY_KAFKA_TOPIC", DefaultTopic))
}

// Noop discards all events.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close is a no-op.
func (Noop) Close() error { return nil }

// KafkaPublisher writes events to a Kafka topic, keyed by job id so one
// job's transitions stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher over the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Publish writes one event. Failures are logged, not returned as
// pipeline errors; the stream is observability, not state.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.JobID, 10)),
		Value: value,
	})
	if err != nil {
		p.logger.Warn("failed to publish event",
			slog.String("kind", event.Kind),
			slog.Int64("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
