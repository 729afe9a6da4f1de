package fetcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/hugolhafner/go-fetcher/logger"
	fetcherotel "github.com/hugolhafner/go-fetcher/otel"
	"github.com/hugolhafner/go-fetcher/queue"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

// ErrFetcherShutdown is returned by a fetcher whose loop has exited, either because it was
// shut down or because it ran out of partitions
var ErrFetcherShutdown = errors.New("fetcher is shut down")

// ID identifies a fetcher, ids are never reused within a pool
type ID int

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

type State int

const (
	StateNew State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Fetcher polls a single reader in its own goroutine and hands every batch to the shared queue.
// Records of one partition enter the queue in the order they were fetched.
type Fetcher struct {
	id     ID
	reader kafka.PartitionReader
	queue  *queue.Queue[kafka.Batch]
	config Config
	onExit func(*Fetcher)

	logger    logger.Logger
	telemetry *fetcherotel.Telemetry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	shutdown bool
	tasks    [][]kafka.Partition
	assigned map[kafka.TopicPartition]struct{}

	acks   sync.WaitGroup
	doneCh chan struct{}
}

func newFetcher(
	id ID,
	reader kafka.PartitionReader,
	q *queue.Queue[kafka.Batch],
	config Config,
	onExit func(*Fetcher),
) *Fetcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Fetcher{
		id:        id,
		reader:    reader,
		queue:     q,
		config:    config,
		onExit:    onExit,
		logger:    config.Logger.With("component", "fetcher", "fetcher_id", int(id)),
		telemetry: config.Telemetry,
		ctx:       ctx,
		cancel:    cancel,
		assigned:  make(map[kafka.TopicPartition]struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (f *Fetcher) ID() ID {
	return f.id
}

func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AddPartitions schedules partitions to be added to the reader by the fetch loop.
// Safe to call while the fetcher is running.
func (f *Fetcher) AddPartitions(partitions []kafka.Partition) error {
	f.mu.Lock()
	if f.shutdown || f.state == StateStopped {
		f.mu.Unlock()
		return ErrFetcherShutdown
	}

	f.tasks = append(f.tasks, slices.Clone(partitions))
	running := f.state == StateRunning
	f.mu.Unlock()

	if running {
		f.reader.Wakeup()
	}
	return nil
}

// Start launches the fetch loop. Calling it on a running or stopped fetcher does nothing.
func (f *Fetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shutdown || f.state != StateNew {
		return
	}

	f.state = StateRunning
	go f.run()
}

// Shutdown asks the fetcher to stop and returns immediately.
// The reader is closed once the loop and in-flight acknowledgments are done.
func (f *Fetcher) Shutdown() {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return
	}

	f.shutdown = true
	prev := f.state
	f.state = StateStopped
	f.mu.Unlock()

	f.cancel()

	switch prev {
	case StateNew:
		go f.release()
	case StateRunning:
		f.reader.Wakeup()
		f.queue.WakeUpPutter(int(f.id))
	default:
	}
}

// WaitForStop waits for the fetcher to release its reader
func (f *Fetcher) WaitForStop(timeout time.Duration) error {
	select {
	case <-f.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for fetcher %v to stop", f.id)
	}
}

// Acknowledge commits offset on tp through the fetcher's reader, blocking until the broker answers
func (f *Fetcher) Acknowledge(ctx context.Context, tp kafka.TopicPartition, offset kafka.Offset) error {
	f.mu.Lock()
	if f.state == StateStopped {
		f.mu.Unlock()
		return ErrFetcherShutdown
	}
	f.acks.Add(1)
	f.mu.Unlock()
	defer f.acks.Done()

	return f.reader.Acknowledge(ctx, tp, offset)
}

// IsIdle reports whether the fetcher has neither assigned partitions nor pending tasks
func (f *Fetcher) IsIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isIdleLocked()
}

func (f *Fetcher) isIdleLocked() bool {
	return len(f.tasks) == 0 && len(f.assigned) == 0
}

// Assigned returns the partitions the fetcher is currently responsible for
func (f *Fetcher) Assigned() []kafka.TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]kafka.TopicPartition, 0, len(f.assigned))
	for tp := range f.assigned {
		out = append(out, tp)
	}
	return out
}

func (f *Fetcher) run() {
	defer f.release()

	f.logger.Debug("Fetcher started")

	var errAttempts uint = 0
	for {
		if f.ctx.Err() != nil {
			f.logger.Debug("Fetcher shut down")
			return
		}

		if err := f.runTasks(); err != nil {
			f.logger.Warn("Failed to add partitions", "error", err, "attempt", errAttempts)
			if !f.backoff(errAttempts) {
				return
			}
			errAttempts++
			continue
		}

		if f.exitIfIdle() {
			f.logger.Debug("Fetcher has no partitions left, exiting")
			return
		}

		batch, err := f.fetch()
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}

			f.logger.Warn("Fetch error", "error", err, "attempt", errAttempts)
			if !f.backoff(errAttempts) {
				return
			}
			errAttempts++
			continue
		}
		errAttempts = 0

		if batch.IsEmpty() {
			continue
		}

		if !f.handoff(batch) {
			return
		}

		f.dropFinished(batch.Finished)
	}
}

// runTasks hands pending partitions to the reader, failed tasks are kept for the next round
func (f *Fetcher) runTasks() error {
	f.mu.Lock()
	tasks := f.tasks
	f.tasks = nil
	f.mu.Unlock()

	for i, parts := range tasks {
		if err := f.reader.AddPartitions(parts); err != nil {
			f.mu.Lock()
			f.tasks = append(tasks[i:], f.tasks...)
			f.mu.Unlock()
			return err
		}

		f.mu.Lock()
		for _, p := range parts {
			f.assigned[p.TopicPartition] = struct{}{}
		}
		f.mu.Unlock()

		f.logger.Debug("Partitions added", "count", len(parts))
	}

	return nil
}

func (f *Fetcher) exitIfIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.isIdleLocked() {
		return false
	}

	f.state = StateStopped
	return true
}

func (f *Fetcher) fetch() (kafka.Batch, error) {
	tel := f.telemetry
	start := time.Now()

	batch, err := f.reader.Fetch(f.ctx)

	status := fetcherotel.StatusSuccess
	if err != nil {
		status = fetcherotel.StatusError
	}
	tel.FetchDuration.Record(
		f.ctx, time.Since(start).Seconds(), metric.WithAttributes(
			semconv.MessagingSystemKafka,
			fetcherotel.AttrFetcherID.Int(int(f.id)),
			fetcherotel.AttrFetchStatus.String(status),
		),
	)

	if err != nil {
		return kafka.Batch{}, err
	}

	for tp, records := range batch.ByPartition() {
		tel.RecordsFetched.Add(
			f.ctx, int64(len(records)), metric.WithAttributes(
				semconv.MessagingSystemKafka,
				semconv.MessagingDestinationName(tp.Topic),
				semconv.MessagingDestinationPartitionID(strconv.FormatInt(int64(tp.Partition), 10)),
			),
		)
	}

	return batch, nil
}

// handoff blocks until the batch is queued, false means the fetcher must exit
func (f *Fetcher) handoff(batch kafka.Batch) bool {
	start := time.Now()
	defer func() {
		f.telemetry.HandoffWait.Record(
			f.ctx, time.Since(start).Seconds(), metric.WithAttributes(
				fetcherotel.AttrFetcherID.Int(int(f.id)),
			),
		)
	}()

	for {
		err := f.queue.Put(f.ctx, int(f.id), batch)
		switch {
		case err == nil:
			return true
		case errors.Is(err, queue.ErrWokenUp):
			if f.ctx.Err() != nil {
				return false
			}
		case errors.Is(err, queue.ErrClosed):
			f.logger.Debug("Queue closed, dropping batch", "records", batch.Len())
			return false
		default:
			return false
		}
	}
}

func (f *Fetcher) dropFinished(finished []kafka.TopicPartition) {
	if len(finished) == 0 {
		return
	}

	f.mu.Lock()
	for _, tp := range finished {
		delete(f.assigned, tp)
	}
	f.mu.Unlock()

	f.logger.Debug("Partitions finished", "partitions", finished)
}

func (f *Fetcher) backoff(attempt uint) bool {
	select {
	case <-f.ctx.Done():
		return false
	case <-time.After(f.config.FetchErrorBackoff.Next(attempt)):
		return true
	}
}

// release runs exactly once, after the loop exited or a never started fetcher was shut down
func (f *Fetcher) release() {
	f.mu.Lock()
	f.state = StateStopped
	f.mu.Unlock()

	f.cancel()
	f.acks.Wait()

	if err := f.reader.Close(); err != nil {
		f.logger.Warn("Failed to close reader", "error", err)
	}

	close(f.doneCh)
	f.logger.Debug("Fetcher stopped")

	if f.onExit != nil {
		f.onExit(f)
	}
}
