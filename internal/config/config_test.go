//go:build unit

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugolhafner/go-fetcher/errorhandler"
	"github.com/hugolhafner/go-fetcher/kafka"
	mocklogger "github.com/hugolhafner/go-fetcher/logger/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "kgo", cfg.Kafka.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Kafka.PollTimeout)
	assert.Equal(t, 2, cfg.Fetcher.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "fail", cfg.Handler.OnError)
	assert.Empty(t, cfg.Partitions)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "kgo", cfg.Kafka.Driver)
}

func TestLoad_YAML(t *testing.T) {
	path := writeYAML(
		t, `
schema_version: v1
kafka:
  driver: sarama
  brokers: ["broker-1:9092", "broker-2:9092"]
  group_id: replay
  version: 3.6.0
  poll_timeout: 500ms
fetcher:
  queue_capacity: 8
checkpoint:
  interval: 1s
  max_records: 50
partitions:
  - topic: orders
    partition: 0
  - topic: orders
    partition: 1
    start: "42"
    stop: 100
`,
	)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sarama", cfg.Kafka.Driver)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "replay", cfg.Kafka.GroupID)
	assert.Equal(t, "3.6.0", cfg.Kafka.Version)
	assert.Equal(t, 500*time.Millisecond, cfg.Kafka.PollTimeout)
	assert.Equal(t, 8, cfg.Fetcher.QueueCapacity)
	assert.Equal(t, time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, 50, cfg.Checkpoint.MaxRecords)

	parts, err := cfg.KafkaPartitions()
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, kafka.NewPartition("orders", 0, kafka.OffsetEarliest), parts[0])
	assert.Equal(t, kafka.NewPartition("orders", 1, 42).Bounded(100), parts[1])
	assert.False(t, parts[0].IsBounded())
	assert.True(t, parts[1].IsBounded())
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(
		t, `
kafka:
  group_id: from-file
`,
	)
	t.Setenv("FETCHER__KAFKA__GROUP_ID", "from-env")
	t.Setenv("FETCHER__LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Kafka.GroupID)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsUnknownSchemaVersion(t *testing.T) {
	path := writeYAML(t, "schema_version: v9\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")
}

func TestValidate(t *testing.T) {
	path := writeYAML(
		t, `
kafka:
  driver: franz
handler:
  on_error: ignore
log:
  level: trace
partitions:
  - partition: -1
    start: yesterday
`,
	)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `kafka.driver "franz"`)
	assert.Contains(t, err.Error(), "partitions[0]: topic is required")
	assert.Contains(t, err.Error(), "partition must not be negative")
	assert.Contains(t, err.Error(), `start "yesterday"`)
	assert.Contains(t, err.Error(), `handler.on_error "ignore"`)
	assert.Contains(t, err.Error(), `log.level: unknown log level "trace"`)
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		onError string
		attempt int
		want    errorhandler.Decision
	}{
		{"fail", 1, errorhandler.Fail},
		{"skip", 1, errorhandler.Skip},
		{"retry", 1, errorhandler.Retry},
		{"retry", 2, errorhandler.Fail},
	}

	for _, tt := range tests {
		t.Run(
			fmt.Sprintf("%s/%d", tt.onError, tt.attempt), func(t *testing.T) {
				cfg := Config{Handler: HandlerCfg{OnError: tt.onError, MaxAttempts: 2, RetryBackoff: time.Millisecond}}
				h := cfg.ErrorHandler(mocklogger.New())

				f := errorhandler.NewFailure(kafka.ConsumerRecord{Topic: "orders"}, errors.New("boom"))
				for i := 1; i < tt.attempt; i++ {
					f = f.Next(f.Err)
				}
				assert.Equal(t, tt.want, h.Handle(context.Background(), f))
			},
		)
	}
}

func TestParseStart(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "earliest", want: kafka.OffsetEarliest},
		{in: "OLDEST", want: kafka.OffsetEarliest},
		{in: "latest", want: kafka.OffsetLatest},
		{in: "newest", want: kafka.OffsetLatest},
		{in: "17", want: 17},
		{in: "-3", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(
			tt.in, func(t *testing.T) {
				got, err := parseStart(tt.in)
				if tt.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			},
		)
	}
}

func TestReaderOptions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.ReaderOptions(), 6)
}
