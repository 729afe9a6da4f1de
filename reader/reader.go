package reader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-fetcher/checkpoint"
	"github.com/hugolhafner/go-fetcher/errorhandler"
	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/hugolhafner/go-fetcher/logger"
	fetcherotel "github.com/hugolhafner/go-fetcher/otel"
	"github.com/hugolhafner/go-fetcher/queue"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by Next once the queue is closed and drained
var ErrClosed = errors.New("source reader closed")

var errCheckpointDue = errors.New("checkpoint due")

// FetcherManager is the part of fetcher.Manager the source reader drives
type FetcherManager interface {
	AssignPartitions(partitions []kafka.Partition) error
	CloseFetcher(tp kafka.TopicPartition)
	Acknowledge(ctx context.Context, acks []kafka.Acknowledgment) error
}

// Handler processes one record, the record counts as consumed once it returns nil
type Handler func(ctx context.Context, rec kafka.ConsumerRecord) error

// SourceReader is the single consumer of the handoff queue. It emits records in queue order,
// remembers the last emitted position of every partition and acknowledges those positions
// through the manager on checkpoint.
type SourceReader struct {
	manager FetcherManager
	queue   *queue.Queue[kafka.Batch]
	config  Config

	logger    logger.Logger
	telemetry *fetcherotel.Telemetry

	// owned by the goroutine calling Next
	buffer []kafka.ConsumerRecord

	mu      sync.Mutex
	pending map[kafka.TopicPartition]kafka.Offset
}

func New(manager FetcherManager, q *queue.Queue[kafka.Batch], opts ...Option) *SourceReader {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &SourceReader{
		manager:   manager,
		queue:     q,
		config:    config,
		logger:    config.Logger.With("component", "source-reader"),
		telemetry: config.Telemetry,
		pending:   make(map[kafka.TopicPartition]kafka.Offset),
	}
}

// Assign hands new partitions to the manager
func (r *SourceReader) Assign(partitions []kafka.Partition) error {
	return r.manager.AssignPartitions(partitions)
}

// Next returns the next record, blocking until one is available, ctx is done or the queue is
// closed and drained.
func (r *SourceReader) Next(ctx context.Context) (kafka.ConsumerRecord, error) {
	rec, err := r.next(ctx, nil)
	if err != nil {
		return rec, err
	}

	r.mark(rec)
	return rec, nil
}

// next returns errCheckpointDue as soon as due fired, even while records are buffered or queued
func (r *SourceReader) next(ctx context.Context, due <-chan struct{}) (kafka.ConsumerRecord, error) {
	select {
	case <-due:
		return kafka.ConsumerRecord{}, errCheckpointDue
	default:
	}

	for len(r.buffer) == 0 {
		batch, ok := r.queue.Poll()
		if ok {
			r.accept(batch)
			continue
		}

		if r.queue.IsClosed() {
			return kafka.ConsumerRecord{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return kafka.ConsumerRecord{}, ctx.Err()
		case <-due:
			return kafka.ConsumerRecord{}, errCheckpointDue
		case <-r.queue.Available():
		}
	}

	rec := r.buffer[0]
	r.buffer[0] = kafka.ConsumerRecord{}
	r.buffer = r.buffer[1:]
	return rec, nil
}

func (r *SourceReader) mark(rec kafka.ConsumerRecord) {
	r.mu.Lock()
	r.pending[rec.TopicPartition()] = rec.Position()
	r.mu.Unlock()
}

// accept buffers the batch records and closes the fetchers of partitions that are done
func (r *SourceReader) accept(batch kafka.Batch) {
	r.buffer = append(r.buffer, batch.Records...)

	for _, tp := range batch.Finished {
		r.logger.Debug("Partition finished", "partition", tp.String())
		r.manager.CloseFetcher(tp)
	}
}

// Pending returns the positions consumed since the last successful checkpoint
func (r *SourceReader) Pending() map[kafka.TopicPartition]kafka.Offset {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[kafka.TopicPartition]kafka.Offset, len(r.pending))
	for tp, off := range r.pending {
		out[tp] = off
	}
	return out
}

// NotifyCheckpointComplete acknowledges every pending position. Positions are kept on failure,
// so the next checkpoint retries them.
func (r *SourceReader) NotifyCheckpointComplete(ctx context.Context) error {
	snapshot := r.Pending()
	if len(snapshot) == 0 {
		return nil
	}

	if err := r.manager.Acknowledge(ctx, kafka.AcknowledgmentsFromMap(snapshot)); err != nil {
		r.telemetry.Checkpoints.Add(
			ctx, 1, metric.WithAttributes(fetcherotel.AttrCheckpointStatus.String(fetcherotel.StatusError)),
		)
		return fmt.Errorf("failed to acknowledge checkpoint: %w", err)
	}
	r.telemetry.Checkpoints.Add(
		ctx, 1, metric.WithAttributes(fetcherotel.AttrCheckpointStatus.String(fetcherotel.StatusSuccess)),
	)

	r.mu.Lock()
	for tp, off := range snapshot {
		if cur, ok := r.pending[tp]; ok && cur == off {
			delete(r.pending, tp)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Checkpoint acknowledged", "partitions", len(snapshot))
	return nil
}

// Run feeds records to handler until ctx is done or the queue is closed, checkpointing whenever
// the configured trigger fires and once more before returning.
func (r *SourceReader) Run(ctx context.Context, handler Handler) error {
	trigger := r.config.Trigger
	if trigger == nil {
		trigger = checkpoint.NewPeriodicTrigger()
	}
	defer trigger.Close()

	defer r.finalCheckpoint(ctx)

	r.logger.Info("Source reader started")

	for {
		rec, err := r.next(ctx, trigger.C())
		switch {
		case errors.Is(err, errCheckpointDue):
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrClosed):
			r.logger.Info("Queue closed, stopping source reader")
			return nil
		case ctx.Err() != nil:
			r.logger.Info("Context cancelled, stopping source reader")
			return nil
		case err != nil:
			return err
		}

		if err := r.dispatch(ctx, handler, rec); err != nil {
			return err
		}
		r.mark(rec)
		trigger.RecordsEmitted(1)
	}
}

// dispatch hands rec to handler until it succeeds or the error handler gives up on it.
// A skipped record counts as consumed.
func (r *SourceReader) dispatch(ctx context.Context, handler Handler, rec kafka.ConsumerRecord) error {
	err := r.process(ctx, handler, rec)
	if err == nil {
		return nil
	}

	f := errorhandler.NewFailure(rec, err)
	for {
		d := r.config.ErrorHandler.Handle(ctx, f)
		r.telemetry.ErrorDecisions.Add(ctx, 1, metric.WithAttributes(fetcherotel.AttrErrorDecision.String(d.String())))

		switch d {
		case errorhandler.Skip:
			return nil
		case errorhandler.Retry:
			if err = r.process(ctx, handler, rec); err == nil {
				return nil
			}
			f = f.Next(err)
		default:
			return f.Err
		}
	}
}

func (r *SourceReader) process(ctx context.Context, handler Handler, rec kafka.ConsumerRecord) error {
	ctx = r.telemetry.RecordContext(ctx, &rec)
	ctx, span := r.telemetry.Tracer.Start(
		ctx, "process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationTypeProcess,
			semconv.MessagingDestinationName(rec.Topic),
			semconv.MessagingDestinationPartitionID(strconv.FormatInt(int64(rec.Partition), 10)),
			semconv.MessagingKafkaOffsetKey.Int64(rec.Offset),
			semconv.MessagingMessageBodySize(rec.Size()),
		),
	)
	defer span.End()

	start := time.Now()
	err := handler(ctx, rec)

	status := fetcherotel.StatusSuccess
	if err != nil {
		status = fetcherotel.StatusError
	}
	r.telemetry.ProcessDuration.Record(
		ctx, time.Since(start).Seconds(), metric.WithAttributes(fetcherotel.AttrProcessStatus.String(status)),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("handler failed for %v at offset %d: %w", rec.TopicPartition(), rec.Offset, err)
	}
	return nil
}

func (r *SourceReader) checkpoint(ctx context.Context) error {
	err := r.NotifyCheckpointComplete(ctx)
	if err == nil {
		return nil
	}

	if r.config.FailOnAckError {
		return err
	}

	r.logger.Warn("Checkpoint failed, retrying at the next one", "error", err)
	return nil
}

func (r *SourceReader) finalCheckpoint(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.FinalCheckpointTimeout)
	defer cancel()

	start := time.Now()
	if err := r.NotifyCheckpointComplete(ctx); err != nil {
		r.logger.Warn("Final checkpoint failed", "error", err)
		return
	}
	r.logger.Debug("Final checkpoint done", "duration", time.Since(start))
}
