package kafka

import (
	"context"
	"time"

	"github.com/hugolhafner/go-fetcher/logger"
)

// PartitionReader owns a broker connection for the partitions assigned to one fetcher.
// It is only ever driven by the goroutine of its fetcher, except for Wakeup and Acknowledge.
type PartitionReader interface {
	// Fetch blocks until records are available, the poll timeout elapses, Wakeup is called,
	// or ctx is done. Partitions that reached their stop offset are reported in Batch.Finished.
	Fetch(ctx context.Context) (Batch, error)

	// AddPartitions starts reading the given partitions. Adding an already assigned partition is a no-op.
	AddPartitions(partitions []Partition) error

	// Acknowledge commits consumption up to and including offset on tp.
	// Failures are returned as *BrokerError and the call is safe to repeat.
	Acknowledge(ctx context.Context, tp TopicPartition, offset Offset) error

	// Assigned returns the partitions currently being read
	Assigned() []TopicPartition

	// Wakeup interrupts a blocked Fetch
	Wakeup()

	Close() error
}

// ReaderFactory creates a reader for a new fetcher
type ReaderFactory func() (PartitionReader, error)

type ReaderConfig struct {
	BootstrapServers []string
	GroupID          string
	ClientID         string
	KafkaVersion     string
	PollTimeout      time.Duration
	MaxPollRecords   int

	Logger logger.Logger
}

func defaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		BootstrapServers: []string{"localhost:9092"},
		GroupID:          "default-group",
		ClientID:         "go-fetcher",
		KafkaVersion:     "2.8.0",
		PollTimeout:      3 * time.Second,
		MaxPollRecords:   500,
		Logger:           logger.NewNoopLogger(),
	}
}

type ReaderOption func(*ReaderConfig)

func WithBootstrapServers(servers []string) ReaderOption {
	return func(cfg *ReaderConfig) {
		cfg.BootstrapServers = servers
	}
}

// WithGroupID sets the group acknowledgments are committed under
func WithGroupID(id string) ReaderOption {
	return func(cfg *ReaderConfig) {
		cfg.GroupID = id
	}
}

func WithClientID(id string) ReaderOption {
	return func(cfg *ReaderConfig) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// WithKafkaVersion sets the protocol version, only used by the sarama driver
func WithKafkaVersion(v string) ReaderOption {
	return func(cfg *ReaderConfig) {
		if v != "" {
			cfg.KafkaVersion = v
		}
	}
}

func WithPollTimeout(d time.Duration) ReaderOption {
	return func(cfg *ReaderConfig) {
		if d > 0 {
			cfg.PollTimeout = d
		}
	}
}

func WithMaxPollRecords(n int) ReaderOption {
	return func(cfg *ReaderConfig) {
		if n > 0 {
			cfg.MaxPollRecords = n
		}
	}
}

func WithLogger(l logger.Logger) ReaderOption {
	return func(cfg *ReaderConfig) {
		cfg.Logger = l
	}
}

func newReaderConfig(opts ...ReaderOption) ReaderConfig {
	cfg := defaultReaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
