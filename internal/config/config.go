package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-fetcher/errorhandler"
	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/hugolhafner/go-fetcher/logger"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "FETCHER__"

type KafkaCfg struct {
	Driver         string        `koanf:"driver"` // kgo|sarama
	Brokers        []string      `koanf:"brokers"`
	GroupID        string        `koanf:"group_id"`
	ClientID       string        `koanf:"client_id"`
	Version        string        `koanf:"version"` // sarama only
	PollTimeout    time.Duration `koanf:"poll_timeout"`
	MaxPollRecords int           `koanf:"max_poll_records"`
}

type FetcherCfg struct {
	QueueCapacity     int           `koanf:"queue_capacity"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	FetchErrorBackoff time.Duration `koanf:"fetch_error_backoff"`
}

type CheckpointCfg struct {
	Interval   time.Duration `koanf:"interval"`
	MaxRecords int           `koanf:"max_records"`
	FailOnErr  bool          `koanf:"fail_on_error"`
}

type HandlerCfg struct {
	OnError      string        `koanf:"on_error"` // fail|skip|retry
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

type PartitionCfg struct {
	Topic     string `koanf:"topic"`
	Partition int32  `koanf:"partition"`
	Start     string `koanf:"start"` // earliest|latest|<offset>
	Stop      *int64 `koanf:"stop"`  // exclusive, unbounded when unset
}

type MetricsCfg struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

type LogCfg struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type Config struct {
	Kafka      KafkaCfg       `koanf:"kafka"`
	Fetcher    FetcherCfg     `koanf:"fetcher"`
	Checkpoint CheckpointCfg  `koanf:"checkpoint"`
	Handler    HandlerCfg     `koanf:"handler"`
	Partitions []PartitionCfg `koanf:"partitions"`
	Metrics    MetricsCfg     `koanf:"metrics"`
	Log        LogCfg         `koanf:"log"`
}

// Load merges YAML (if present) with env-vars (prefix `FETCHER__`, delimiter `__`),
// e.g. FETCHER__KAFKA__GROUP_ID.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func applyDefaults(c *Config) {
	if c.Kafka.Driver == "" {
		c.Kafka.Driver = "kgo"
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "go-fetcher"
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "go-fetcher"
	}
	if c.Kafka.PollTimeout == 0 {
		c.Kafka.PollTimeout = 3 * time.Second
	}
	if c.Kafka.MaxPollRecords == 0 {
		c.Kafka.MaxPollRecords = 500
	}
	if c.Fetcher.QueueCapacity == 0 {
		c.Fetcher.QueueCapacity = 2
	}
	if c.Fetcher.ShutdownTimeout == 0 {
		c.Fetcher.ShutdownTimeout = 30 * time.Second
	}
	if c.Fetcher.FetchErrorBackoff == 0 {
		c.Fetcher.FetchErrorBackoff = time.Second
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = 5 * time.Second
	}
	if c.Checkpoint.MaxRecords == 0 {
		c.Checkpoint.MaxRecords = 1000
	}
	if c.Handler.OnError == "" {
		c.Handler.OnError = "fail"
	}
	if c.Handler.MaxAttempts == 0 {
		c.Handler.MaxAttempts = 3
	}
	if c.Handler.RetryBackoff == 0 {
		c.Handler.RetryBackoff = 500 * time.Millisecond
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Partitions {
		if c.Partitions[i].Start == "" {
			c.Partitions[i].Start = "earliest"
		}
	}
}

func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(kafka.Drivers(), c.Kafka.Driver) {
		errs = append(errs, fmt.Errorf("kafka.driver %q not one of %v", c.Kafka.Driver, kafka.Drivers()))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !slices.Contains([]string{"fail", "skip", "retry"}, c.Handler.OnError) {
		errs = append(errs, fmt.Errorf("handler.on_error %q not one of fail, skip, retry", c.Handler.OnError))
	}
	for i, p := range c.Partitions {
		if p.Topic == "" {
			errs = append(errs, fmt.Errorf("partitions[%d]: topic is required", i))
		}
		if p.Partition < 0 {
			errs = append(errs, fmt.Errorf("partitions[%d]: partition must not be negative", i))
		}
		if _, err := parseStart(p.Start); err != nil {
			errs = append(errs, fmt.Errorf("partitions[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// KafkaPartitions converts the configured partitions
func (c Config) KafkaPartitions() ([]kafka.Partition, error) {
	out := make([]kafka.Partition, 0, len(c.Partitions))
	for _, p := range c.Partitions {
		start, err := parseStart(p.Start)
		if err != nil {
			return nil, err
		}

		part := kafka.NewPartition(p.Topic, p.Partition, start)
		if p.Stop != nil {
			part = part.Bounded(*p.Stop)
		}
		out = append(out, part)
	}
	return out, nil
}

// ReaderOptions maps the kafka section onto reader options
func (c Config) ReaderOptions() []kafka.ReaderOption {
	return []kafka.ReaderOption{
		kafka.WithBootstrapServers(c.Kafka.Brokers),
		kafka.WithGroupID(c.Kafka.GroupID),
		kafka.WithClientID(c.Kafka.ClientID),
		kafka.WithKafkaVersion(c.Kafka.Version),
		kafka.WithPollTimeout(c.Kafka.PollTimeout),
		kafka.WithMaxPollRecords(c.Kafka.MaxPollRecords),
	}
}

// ErrorHandler builds the policy applied to records the handler fails on.
// retry gives up after max_attempts and then fails.
func (c Config) ErrorHandler(l logger.Logger) errorhandler.Handler {
	switch c.Handler.OnError {
	case "skip":
		return errorhandler.LogAndSkip(l)
	case "retry":
		return errorhandler.Logged(
			l, logger.WarnLevel,
			errorhandler.RetryUpTo(c.Handler.MaxAttempts, backoff.NewFixed(c.Handler.RetryBackoff), errorhandler.LogAndFail(l)),
		)
	default:
		return errorhandler.LogAndFail(l)
	}
}

func parseStart(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "earliest", "oldest":
		return kafka.OffsetEarliest, nil
	case "latest", "newest":
		return kafka.OffsetLatest, nil
	}

	off, err := strconv.ParseInt(s, 10, 64)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("start %q must be earliest, latest or a non-negative offset", s)
	}
	return off, nil
}
