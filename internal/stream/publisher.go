// Package stream mirrors accepted events to a Kafka topic for external
// consumers. The event log remains the source of truth; the stream is a
// best-effort feed and the server runs fine without it.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/storage"
)

// ErrNoBrokers is returned when a publisher is constructed without brokers.
var ErrNoBrokers = errors.New("at least one kafka broker is required")

type (
	// Config holds the Kafka mirror configuration. Enabled reports whether
	// NOETL_KAFKA_BROKERS was set; everything else has defaults.
	Config struct {
		Brokers      []string
		Topic        string
		BatchTimeout time.Duration
	}

	// messageWriter is the slice of kafka.Writer the publisher uses.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Publisher writes one Kafka message per accepted event, keyed by
	// execution id so consumers see each execution's history in order.
	Publisher struct {
		writer messageWriter
		logger *slog.Logger
	}
)

// LoadConfig reads the Kafka mirror configuration from the environment.
func LoadConfig() *Config {
	brokers := config.GetEnvStr("NOETL_KAFKA_BROKERS", "")

	cfg := &Config{
		Topic:        config.GetEnvStr("NOETL_KAFKA_TOPIC", "noetl-events"),
		BatchTimeout: config.GetEnvDuration("NOETL_KAFKA_BATCH_TIMEOUT", time.Second),
	}

	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}

	return cfg
}

// Enabled reports whether the mirror is configured at all.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewPublisher creates a publisher over the configured brokers.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if cfg == nil || !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &Publisher{
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Publish mirrors one event. The message is keyed by execution id so all
// events of an execution land on one partition, preserving their order.
func (p *Publisher) Publish(ctx context.Context, event *storage.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %d: %w", event.EventID, err)
	}

	message := kafka.Message{
		Key:   []byte(ident.String(event.ExecutionID)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("writing event %d to stream: %w", event.EventID, err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("closing stream writer: %w", err)
	}

	return nil
}
