package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-fetcher/checkpoint"
	"github.com/hugolhafner/go-fetcher/fetcher"
	"github.com/hugolhafner/go-fetcher/internal/config"
	"github.com/hugolhafner/go-fetcher/internal/telemetry"
	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/hugolhafner/go-fetcher/logger"
	"github.com/hugolhafner/go-fetcher/plugins/zaplogger"
	"github.com/hugolhafner/go-fetcher/reader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	path := flag.String("config", "fetcher.yaml", "path to the YAML config, env vars prefixed FETCHER__ override it")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	zl, err := zaplogger.Build(level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	l := zaplogger.New(zl)

	factory, err := kafka.NewReaderFactory(cfg.Kafka.Driver, append(cfg.ReaderOptions(), kafka.WithLogger(l))...)
	if err != nil {
		return err
	}

	m := fetcher.NewManager(
		factory,
		fetcher.WithLogger(l),
		fetcher.WithQueueCapacity(cfg.Fetcher.QueueCapacity),
		fetcher.WithShutdownTimeout(cfg.Fetcher.ShutdownTimeout),
		fetcher.WithFetchErrorBackoff(backoff.NewFixed(cfg.Fetcher.FetchErrorBackoff)),
	)

	src := reader.New(
		m, m.Queue(),
		reader.WithLogger(l),
		reader.WithFailOnAckError(cfg.Checkpoint.FailOnErr),
		reader.WithErrorHandler(cfg.ErrorHandler(l)),
		reader.WithTrigger(
			checkpoint.NewPeriodicTrigger(
				checkpoint.WithMaxInterval(cfg.Checkpoint.Interval),
				checkpoint.WithMaxCount(cfg.Checkpoint.MaxRecords),
			),
		),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := telemetry.Register(reg, stats{manager: m, reader: src}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	metricsSrv := telemetry.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, reg)
	go func() {
		if err := metricsSrv.Run(ctx); err != nil {
			l.Error("Metrics server failed", "error", err)
		}
	}()

	partitions, err := cfg.KafkaPartitions()
	if err != nil {
		return err
	}
	if err := src.Assign(partitions); err != nil {
		return err
	}
	l.Info("Fetching", "driver", cfg.Kafka.Driver, "partitions", len(partitions), "group", cfg.Kafka.GroupID)

	runErr := src.Run(
		ctx, func(_ context.Context, rec kafka.ConsumerRecord) error {
			l.Debug(
				"Record",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"size", rec.Size(),
			)
			return nil
		},
	)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Fetcher.ShutdownTimeout+time.Second)
	defer cancel()

	return errors.Join(runErr, m.Close(closeCtx))
}

type stats struct {
	manager *fetcher.Manager
	reader  *reader.SourceReader
}

func (s stats) FetcherCount() int      { return s.manager.FetcherCount() }
func (s stats) QueueSize() int         { return s.manager.Queue().Size() }
func (s stats) QueueCapacity() int     { return s.manager.Queue().Cap() }
func (s stats) PendingPartitions() int { return len(s.reader.Pending()) }
