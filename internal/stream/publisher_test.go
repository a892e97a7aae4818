package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}

	f.messages = append(f.messages, msgs...)

	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true

	return nil
}

func TestPublishKeysByExecution(t *testing.T) {
	writer := &fakeWriter{}
	publisher := &Publisher{writer: writer, logger: testLogger()}

	event := &storage.Event{
		ExecutionID: 7361640140888801280,
		EventID:     42,
		EventType:   storage.EventActionCompleted,
		NodeName:    "fetch",
		Result:      map[string]any{"status": "success"},
	}

	require.NoError(t, publisher.Publish(context.Background(), event))
	require.Len(t, writer.messages, 1)

	message := writer.messages[0]
	assert.Equal(t, "7361640140888801280", string(message.Key))

	require.Len(t, message.Headers, 1)
	assert.Equal(t, "event_type", message.Headers[0].Key)
	assert.Equal(t, storage.EventActionCompleted, string(message.Headers[0].Value))

	var decoded storage.Event
	require.NoError(t, json.Unmarshal(message.Value, &decoded))
	assert.Equal(t, event.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, "fetch", decoded.NodeName)
}

func TestPublishPropagatesWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	publisher := &Publisher{writer: writer, logger: testLogger()}

	err := publisher.Publish(context.Background(), &storage.Event{ExecutionID: 1, EventID: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestClose(t *testing.T) {
	writer := &fakeWriter{}
	publisher := &Publisher{writer: writer, logger: testLogger()}

	require.NoError(t, publisher.Close())
	assert.True(t, writer.closed)
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	_, err := NewPublisher(&Config{})
	assert.ErrorIs(t, err, ErrNoBrokers)

	_, err = NewPublisher(nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("NOETL_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("NOETL_KAFKA_TOPIC", "noetl-test")
	t.Setenv("NOETL_KAFKA_BATCH_TIMEOUT", "250ms")

	cfg := LoadConfig()
	assert.True(t, cfg.Enabled())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers)
	assert.Equal(t, "noetl-test", cfg.Topic)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchTimeout)
}

func TestLoadConfigDisabledByDefault(t *testing.T) {
	t.Setenv("NOETL_KAFKA_BROKERS", "")

	assert.False(t, LoadConfig().Enabled())
}
