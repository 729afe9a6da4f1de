package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/hugolhafner/go-fetcher/logger"
	fetcherotel "github.com/hugolhafner/go-fetcher/otel"
	"github.com/hugolhafner/go-fetcher/queue"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
	"go.opentelemetry.io/otel/trace"
)

var ErrManagerClosed = errors.New("fetcher manager closed")

var _ worker = (*Fetcher)(nil)

// worker is the part of a Fetcher the manager drives
type worker interface {
	ID() ID
	Start()
	AddPartitions(partitions []kafka.Partition) error
	Acknowledge(ctx context.Context, tp kafka.TopicPartition, offset kafka.Offset) error
}

type workerPool interface {
	create() (worker, error)
	get(id ID) (worker, bool)
	start(w worker)
	remove(id ID)
	close(timeout time.Duration) error
	size() int
}

type fetcherPool struct {
	*Pool
}

func (p fetcherPool) create() (worker, error) {
	_, f, err := p.CreateFetcher()
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p fetcherPool) get(id ID) (worker, bool) {
	f, ok := p.Get(id)
	if !ok {
		return nil, false
	}
	return f, true
}

func (p fetcherPool) start(w worker) {
	w.Start()
}

func (p fetcherPool) remove(id ID) {
	p.Remove(id)
}

func (p fetcherPool) close(timeout time.Duration) error {
	return p.Close(timeout)
}

func (p fetcherPool) size() int {
	return p.Len()
}

// Manager owns the partition to fetcher assignment. It creates fetchers on demand, starts each
// one at most once, routes acknowledgments to the owning fetcher and tears fetchers down when
// their partition is closed.
//
// Calls are expected from a single control goroutine. The tables are still locked because
// fetchers report their own exit from their goroutine.
type Manager struct {
	pool   workerPool
	queue  *queue.Queue[kafka.Batch]
	config Config

	logger    logger.Logger
	telemetry *fetcherotel.Telemetry

	mu          sync.Mutex
	assignments map[kafka.TopicPartition]ID
	activation  map[ID]State
	closed      bool
}

// NewManager creates a manager whose fetchers read through readers built by factory
func NewManager(factory kafka.ReaderFactory, opts ...Option) *Manager {
	config := defaultConfig()
	for _, opt := range opts {
		opt.apply(&config)
	}

	q := queue.New[kafka.Batch](config.QueueCapacity)
	m := newManager(nil, q, config)
	m.pool = fetcherPool{NewPool(factory, q, config, m.onFetcherExit)}
	return m
}

func newManager(pool workerPool, q *queue.Queue[kafka.Batch], config Config) *Manager {
	return &Manager{
		pool:        pool,
		queue:       q,
		config:      config,
		logger:      config.Logger.With("component", "fetcher-manager"),
		telemetry:   config.Telemetry,
		assignments: make(map[kafka.TopicPartition]ID),
		activation:  make(map[ID]State),
	}
}

// Queue is the handoff queue every fetcher of this manager writes to
func (m *Manager) Queue() *queue.Queue[kafka.Batch] {
	return m.queue
}

// AssignPartitions hands every partition to its owning fetcher, creating the fetcher when the
// partition has none, and starts fetchers that are not running. Re-assigning a partition is safe.
// An error is returned only when a fetcher could not be created, earlier partitions stay assigned.
func (m *Manager) AssignPartitions(partitions []kafka.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	for _, p := range partitions {
		w, err := m.addPartitionLocked(p)
		if err != nil {
			return fmt.Errorf("failed to assign partition %v: %w", p.TopicPartition, err)
		}

		m.startFetcherLocked(w, fetcherotel.StartReasonAssign)
	}

	m.logger.Debug("Partitions assigned", "count", len(partitions))
	return nil
}

func (m *Manager) addPartitionLocked(p kafka.Partition) (worker, error) {
	w, err := m.getOrCreateFetcherLocked(p.TopicPartition)
	if err != nil {
		return nil, err
	}

	err = w.AddPartitions([]kafka.Partition{p})
	if errors.Is(err, ErrFetcherShutdown) {
		// exited between lookup and add
		m.forgetLocked(p.TopicPartition, w.ID())
		if w, err = m.getOrCreateFetcherLocked(p.TopicPartition); err != nil {
			return nil, err
		}
		err = w.AddPartitions([]kafka.Partition{p})
	}

	if err != nil {
		return nil, err
	}
	return w, nil
}

// getOrCreateFetcherLocked resolves the fetcher owning tp. A mapping to a fetcher that is no
// longer live is replaced by a fresh fetcher.
func (m *Manager) getOrCreateFetcherLocked(tp kafka.TopicPartition) (worker, error) {
	if id, ok := m.assignments[tp]; ok {
		if w, live := m.pool.get(id); live {
			return w, nil
		}

		m.logger.Debug("Fetcher no longer live, replacing", "partition", tp.String(), "fetcher_id", int(id))
		delete(m.activation, id)
	}

	w, err := m.pool.create()
	if err != nil {
		return nil, err
	}

	m.assignments[tp] = w.ID()
	m.activation[w.ID()] = StateNew
	m.logger.Debug("Fetcher assigned", "partition", tp.String(), "fetcher_id", int(w.ID()))

	return w, nil
}

func (m *Manager) forgetLocked(tp kafka.TopicPartition, id ID) {
	if cur, ok := m.assignments[tp]; ok && cur == id {
		delete(m.assignments, tp)
	}
	delete(m.activation, id)
}

// startFetcherLocked starts w unless it was already started since it was last seen stopped
func (m *Manager) startFetcherLocked(w worker, reason string) {
	id := w.ID()
	if m.activation[id] == StateRunning {
		return
	}

	m.activation[id] = StateRunning
	m.pool.start(w)

	m.telemetry.FetcherStarts.Add(
		context.Background(), 1, metric.WithAttributes(
			fetcherotel.AttrStartReason.String(reason),
		),
	)
}

// CloseFetcher tears down the fetcher owning tp, it is a no-op for unknown partitions
func (m *Manager) CloseFetcher(tp kafka.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.assignments[tp]
	if !ok {
		return
	}

	delete(m.assignments, tp)
	delete(m.activation, id)
	m.pool.remove(id)

	m.logger.Debug("Fetcher closed", "partition", tp.String(), "fetcher_id", int(id))
}

// Acknowledge delivers every acknowledgment to the fetcher owning its partition, in order, and
// restarts that fetcher if needed. Partitions without a live fetcher get a new one.
// The first failure is returned as is and the remaining acknowledgments are not attempted.
func (m *Manager) Acknowledge(ctx context.Context, acks []kafka.Acknowledgment) error {
	for _, ack := range acks {
		if err := m.acknowledge(ctx, ack); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) acknowledge(ctx context.Context, ack kafka.Acknowledgment) error {
	tel := m.telemetry
	tp := ack.Partition

	ctx, span := tel.Tracer.Start(
		ctx, "acknowledge",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationTypeSettle,
			semconv.MessagingDestinationName(tp.Topic),
			semconv.MessagingDestinationPartitionID(strconv.FormatInt(int64(tp.Partition), 10)),
			semconv.MessagingKafkaOffsetKey.Int64(ack.Offset.Offset),
		),
	)
	defer span.End()

	start := time.Now()
	w, err := m.deliver(ctx, ack)

	status := fetcherotel.StatusSuccess
	if err != nil {
		status = fetcherotel.StatusError
	}
	attrs := metric.WithAttributes(
		semconv.MessagingDestinationName(tp.Topic),
		fetcherotel.AttrAckStatus.String(status),
	)
	tel.Acknowledgments.Add(ctx, 1, attrs)
	tel.AckDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("Acknowledgment failed", "partition", tp.String(), "offset", ack.Offset.Offset, "error", err)
		return err
	}

	m.mu.Lock()
	if !m.closed {
		if cur, ok := m.assignments[tp]; ok && cur == w.ID() {
			m.startFetcherLocked(w, fetcherotel.StartReasonAcknowledge)
		}
	}
	m.mu.Unlock()

	return nil
}

// deliver blocks on the broker acknowledgment without holding the table lock
func (m *Manager) deliver(ctx context.Context, ack kafka.Acknowledgment) (worker, error) {
	w, err := m.resolve(ack.Partition)
	if err != nil {
		return nil, err
	}

	err = w.Acknowledge(ctx, ack.Partition, ack.Offset)
	if errors.Is(err, ErrFetcherShutdown) {
		m.mu.Lock()
		m.forgetLocked(ack.Partition, w.ID())
		m.mu.Unlock()

		if w, err = m.resolve(ack.Partition); err != nil {
			return nil, err
		}
		err = w.Acknowledge(ctx, ack.Partition, ack.Offset)
	}

	if err != nil {
		return nil, err
	}
	return w, nil
}

func (m *Manager) resolve(tp kafka.TopicPartition) (worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	w, err := m.getOrCreateFetcherLocked(tp)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher for %v: %w", tp, err)
	}
	return w, nil
}

func (m *Manager) onFetcherExit(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activation[id]; ok {
		m.activation[id] = StateStopped
	}
}

// FetcherFor returns the fetcher id tp is mapped to
func (m *Manager) FetcherFor(tp kafka.TopicPartition) (ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.assignments[tp]
	return id, ok
}

// State returns the activation state the manager holds for a fetcher
func (m *Manager) State(id ID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.activation[id]
	return s, ok
}

// FetcherCount returns the number of live fetchers
func (m *Manager) FetcherCount() int {
	return m.pool.size()
}

// Close shuts every fetcher down, waits for them until ctx is done, then closes the queue
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clear(m.assignments)
	clear(m.activation)
	m.mu.Unlock()

	m.logger.Info("Closing fetcher manager")

	done := make(chan error, 1)
	go func() {
		done <- m.pool.close(m.config.ShutdownTimeout)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.queue.Close()
	return err
}
