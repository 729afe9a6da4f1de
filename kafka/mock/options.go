package mockkafka

import (
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
)

// Option is a functional option for configuring a Broker.
type Option func(*Broker)

// WithMaxPollRecords sets the maximum number of records returned per Fetch call.
// Default is 10.
func WithMaxPollRecords(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxPollRecords = n
		}
	}
}

// WithPollTimeout sets how long Fetch waits for new records before returning an empty batch.
// Default is 10ms.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollTimeout = d
		}
	}
}

// WithFetchError configures an error to be returned by all Fetch calls.
func WithFetchError(err error) Option {
	return func(b *Broker) {
		b.fetchErr = func() error { return err }
	}
}

// WithAckError configures an error to be returned by all Acknowledge calls.
func WithAckError(err error) Option {
	return func(b *Broker) {
		b.ackErr = func(kafka.TopicPartition, kafka.Offset) error { return err }
	}
}

// WithFactoryError configures an error to be returned when creating readers.
func WithFactoryError(err error) Option {
	return func(b *Broker) {
		b.factoryErr = err
	}
}
