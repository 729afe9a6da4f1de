package reader

import (
	"time"

	"github.com/hugolhafner/go-fetcher/checkpoint"
	"github.com/hugolhafner/go-fetcher/errorhandler"
	"github.com/hugolhafner/go-fetcher/logger"
	fetcherotel "github.com/hugolhafner/go-fetcher/otel"
)

type Config struct {
	Logger    logger.Logger
	Telemetry *fetcherotel.Telemetry

	// Trigger decides when Run checkpoints, a periodic trigger with defaults is used when nil
	Trigger checkpoint.Trigger
	// ErrorHandler decides what happens to a record the handler failed on
	ErrorHandler errorhandler.Handler
	// FailOnAckError makes Run return when a checkpoint cannot be acknowledged
	// instead of retrying it at the next checkpoint
	FailOnAckError bool
	// FinalCheckpointTimeout bounds the checkpoint Run performs before returning
	FinalCheckpointTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Logger:                 logger.NewNoopLogger(),
		Telemetry:              fetcherotel.Noop(),
		ErrorHandler:           errorhandler.Silent(),
		FinalCheckpointTimeout: 10 * time.Second,
	}
}

type Option func(*Config)

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithTelemetry(t *fetcherotel.Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

func WithTrigger(t checkpoint.Trigger) Option {
	return func(c *Config) {
		c.Trigger = t
	}
}

func WithErrorHandler(h errorhandler.Handler) Option {
	return func(c *Config) {
		if h != nil {
			c.ErrorHandler = h
		}
	}
}

func WithFailOnAckError(fail bool) Option {
	return func(c *Config) {
		c.FailOnAckError = fail
	}
}

func WithFinalCheckpointTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.FinalCheckpointTimeout = d
		}
	}
}
