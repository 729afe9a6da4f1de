package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hugolhafner/go-fetcher/logger"
)

var _ PartitionReader = (*SaramaReader)(nil)

type saramaPartition struct {
	partition Partition
	pc        sarama.PartitionConsumer
	stop      chan struct{}
}

// SaramaReader reads directly assigned partitions with one sarama PartitionConsumer each.
// Messages of all partitions are merged into one channel, one forwarder per partition
// keeps the per-partition order. The brokers are dialled on first use, not on construction.
type SaramaReader struct {
	config ReaderConfig
	sc     *sarama.Config

	connMu   sync.Mutex
	client   sarama.Client
	consumer sarama.Consumer

	mu       sync.Mutex
	assigned map[TopicPartition]*saramaPartition
	finished []TopicPartition
	closed   bool

	messages chan *sarama.ConsumerMessage
	errs     chan error
	wake     chan struct{}

	logger logger.Logger
}

// NewSaramaReader creates a sarama backed reader
func NewSaramaReader(opts ...ReaderOption) (*SaramaReader, error) {
	return newSaramaReader(newReaderConfig(opts...))
}

func newSaramaReader(cfg ReaderConfig) (*SaramaReader, error) {
	sc := sarama.NewConfig()
	ver, err := sarama.ParseKafkaVersion(cfg.KafkaVersion)
	if err != nil {
		return nil, fmt.Errorf("parse kafka version: %w", err)
	}
	sc.Version = ver
	sc.ClientID = cfg.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.MaxWaitTime = 250 * time.Millisecond

	if len(cfg.BootstrapServers) == 0 {
		return nil, errors.New("sarama reader: no bootstrap servers")
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config: %w", err)
	}

	return &SaramaReader{
		config:   cfg,
		sc:       sc,
		assigned: make(map[TopicPartition]*saramaPartition),
		messages: make(chan *sarama.ConsumerMessage, cfg.MaxPollRecords),
		errs:     make(chan error, 16),
		wake:     make(chan struct{}, 1),
		logger:   cfg.Logger.With("component", "sarama-reader"),
	}, nil
}

// connect creates the client and consumer once, a failed attempt is retried on the next call
func (s *SaramaReader) connect() (sarama.Client, sarama.Consumer, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.client != nil {
		return s.client, s.consumer, nil
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, ErrReaderClosed
	}

	client, err := sarama.NewClient(s.config.BootstrapServers, s.sc)
	if err != nil {
		return nil, nil, fmt.Errorf("create sarama client: %w", err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create sarama consumer: %w", err)
	}

	s.client, s.consumer = client, consumer
	return client, consumer, nil
}

func (s *SaramaReader) AddPartitions(partitions []Partition) error {
	_, consumer, err := s.connect()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrReaderClosed
	}

	for _, p := range partitions {
		if _, exists := s.assigned[p.TopicPartition]; exists {
			continue
		}

		if p.IsEmpty() {
			s.finished = append(s.finished, p.TopicPartition)
			continue
		}

		pc, err := consumer.ConsumePartition(p.Topic, p.Partition, p.StartOffset)
		if err != nil {
			return fmt.Errorf("consume partition %s: %w", p.TopicPartition, err)
		}

		sp := &saramaPartition{partition: p, pc: pc, stop: make(chan struct{})}
		s.assigned[p.TopicPartition] = sp
		go s.forward(sp)
	}

	return nil
}

func (s *SaramaReader) forward(sp *saramaPartition) {
	msgs := sp.pc.Messages()
	errs := sp.pc.Errors()
	for msgs != nil || errs != nil {
		select {
		case <-sp.stop:
			discard(sp.pc)
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			select {
			case s.messages <- msg:
			case <-sp.stop:
				discard(sp.pc)
				return
			}
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			select {
			case s.errs <- cerr:
			default:
				s.logger.Warn("Dropping consumer error", "partition", sp.partition.TopicPartition, "error", cerr)
			}
		}
	}
}

// discard services a closing PartitionConsumer until sarama closes its channels
func discard(pc sarama.PartitionConsumer) {
	go func() {
		for range pc.Errors() {
		}
	}()
	for range pc.Messages() {
	}
}

func (s *SaramaReader) Fetch(ctx context.Context) (Batch, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Batch{}, ErrReaderClosed
	}
	if len(s.finished) > 0 || len(s.assigned) == 0 {
		batch := Batch{Finished: s.drainFinished()}
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.config.PollTimeout)
	defer timer.Stop()

	var raw []*sarama.ConsumerMessage
	select {
	case <-ctx.Done():
		return Batch{}, nil
	case <-timer.C:
		return Batch{}, nil
	case <-s.wake:
		return Batch{}, nil
	case err := <-s.errs:
		return Batch{}, fmt.Errorf("poll: %w", err)
	case msg := <-s.messages:
		raw = append(raw, msg)
	}

drain:
	for len(raw) < s.config.MaxPollRecords {
		select {
		case msg := <-s.messages:
			raw = append(raw, msg)
		default:
			break drain
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := Batch{Records: make([]ConsumerRecord, 0, len(raw))}
	for _, msg := range raw {
		tp := TopicPartition{Topic: msg.Topic, Partition: msg.Partition}
		sp, ok := s.assigned[tp]
		if !ok {
			continue
		}

		if sp.partition.IsExhaustedBy(msg.Offset) {
			s.finishLocked(tp)
			continue
		}

		batch.Records = append(batch.Records, convertSaramaMessage(msg))

		if sp.partition.IsLastOffset(msg.Offset) {
			s.finishLocked(tp)
		}
	}
	batch.Finished = s.drainFinished()

	return batch, nil
}

func (s *SaramaReader) finishLocked(tp TopicPartition) {
	sp, ok := s.assigned[tp]
	if !ok {
		return
	}

	delete(s.assigned, tp)
	close(sp.stop)
	sp.pc.AsyncClose()
	s.finished = append(s.finished, tp)
	s.logger.Debug("Partition reached stop offset", "partition", tp)
}

func (s *SaramaReader) drainFinished() []TopicPartition {
	if len(s.finished) == 0 {
		return nil
	}

	out := s.finished
	s.finished = nil
	return out
}

func (s *SaramaReader) Acknowledge(ctx context.Context, tp TopicPartition, offset Offset) error {
	if s.config.GroupID == "" {
		return NewBrokerError("acknowledge", tp, ErrNoGroup)
	}
	if err := ctx.Err(); err != nil {
		return NewBrokerError("acknowledge", tp, err)
	}

	client, _, err := s.connect()
	if err != nil {
		return NewBrokerError("acknowledge", tp, err)
	}

	coordinator, err := client.Coordinator(s.config.GroupID)
	if err != nil {
		return NewBrokerError("acknowledge", tp, fmt.Errorf("find coordinator: %w", err))
	}

	req := &sarama.OffsetCommitRequest{
		Version:                 2,
		ConsumerGroup:           s.config.GroupID,
		ConsumerGroupGeneration: -1,
		RetentionTime:           -1,
	}
	req.AddBlock(tp.Topic, tp.Partition, offset.Offset+1, 0, "")

	resp, err := coordinator.CommitOffset(req)
	if err != nil {
		_ = client.RefreshCoordinator(s.config.GroupID)
		return NewBrokerError("acknowledge", tp, err)
	}

	if perr, ok := resp.Errors[tp.Topic][tp.Partition]; ok && !errors.Is(perr, sarama.ErrNoError) {
		if errors.Is(perr, sarama.ErrNotCoordinatorForConsumer) {
			_ = client.RefreshCoordinator(s.config.GroupID)
		}
		return NewBrokerError("acknowledge", tp, perr)
	}

	s.logger.Debug("Acknowledged", "partition", tp, "offset", offset.Offset)
	return nil
}

func (s *SaramaReader) Assigned() []TopicPartition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TopicPartition, 0, len(s.assigned))
	for tp := range s.assigned {
		out = append(out, tp)
	}
	return out
}

func (s *SaramaReader) Wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SaramaReader) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for tp, sp := range s.assigned {
		close(sp.stop)
		sp.pc.AsyncClose()
		delete(s.assigned, tp)
	}
	s.mu.Unlock()

	s.Wakeup()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.client == nil {
		return nil
	}

	var errs []error
	if err := s.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	return errors.Join(errs...)
}

func convertSaramaMessage(msg *sarama.ConsumerMessage) ConsumerRecord {
	headers := make([]Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		headers = append(headers, Header{Key: string(h.Key), Value: h.Value})
	}

	return ConsumerRecord{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Timestamp,
	}
}
