package fetcher

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-fetcher/logger"
	fetcherotel "github.com/hugolhafner/go-fetcher/otel"
)

type Config struct {
	Logger    logger.Logger
	Telemetry *fetcherotel.Telemetry

	// FetchErrorBackoff is consulted when a reader Fetch fails, attempts reset on success
	FetchErrorBackoff backoff.Backoff
	// ShutdownTimeout bounds how long Close waits for each fetcher to release its reader
	ShutdownTimeout time.Duration
	// QueueCapacity is the number of batches the handoff queue holds before fetchers block
	QueueCapacity int
}

func defaultConfig() Config {
	return Config{
		Logger:            logger.NewNoopLogger(),
		Telemetry:         fetcherotel.Noop(),
		FetchErrorBackoff: backoff.NewFixed(time.Second),
		ShutdownTimeout:   30 * time.Second,
		QueueCapacity:     2,
	}
}

type Option interface {
	apply(*Config)
}

type loggerOption struct {
	logger logger.Logger
}

func (o loggerOption) apply(c *Config) {
	if o.logger != nil {
		c.Logger = o.logger
	}
}

func WithLogger(l logger.Logger) Option {
	return loggerOption{logger: l}
}

type telemetryOption struct {
	telemetry *fetcherotel.Telemetry
}

func (o telemetryOption) apply(c *Config) {
	if o.telemetry != nil {
		c.Telemetry = o.telemetry
	}
}

// WithTelemetry sets the instruments used by the manager and its fetchers
func WithTelemetry(t *fetcherotel.Telemetry) Option {
	return telemetryOption{telemetry: t}
}

type fetchErrorBackoffOption struct {
	b backoff.Backoff
}

func (o fetchErrorBackoffOption) apply(c *Config) {
	if o.b != nil {
		c.FetchErrorBackoff = o.b
	}
}

func WithFetchErrorBackoff(b backoff.Backoff) Option {
	return fetchErrorBackoffOption{b: b}
}

type shutdownTimeoutOption time.Duration

func (o shutdownTimeoutOption) apply(c *Config) {
	if o > 0 {
		c.ShutdownTimeout = time.Duration(o)
	}
}

// WithShutdownTimeout sets the timeout for waiting on fetcher shutdown
func WithShutdownTimeout(d time.Duration) Option {
	return shutdownTimeoutOption(d)
}

type queueCapacityOption int

func (o queueCapacityOption) apply(c *Config) {
	if o > 0 {
		c.QueueCapacity = int(o)
	}
}

// WithQueueCapacity sets the capacity of the handoff queue shared by all fetchers
func WithQueueCapacity(n int) Option {
	return queueCapacityOption(n)
}
