package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hugolhafner/go-fetcher/logger"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var _ PartitionReader = (*KgoReader)(nil)

// KgoReader reads directly assigned partitions with a franz-go client.
// The consuming client is created with the first partitions, acknowledgments issued before
// that go through a client that never consumes.
type KgoReader struct {
	config ReaderConfig

	mu         sync.Mutex
	consumer   *kgo.Client
	commitOnly *kgo.Client
	assigned   map[TopicPartition]Partition
	finished   []TopicPartition
	pollCancel context.CancelFunc
	closed     bool

	logger logger.Logger
}

// NewKgoReader creates a franz-go backed reader
func NewKgoReader(opts ...ReaderOption) (*KgoReader, error) {
	return newKgoReader(newReaderConfig(opts...))
}

func newKgoReader(cfg ReaderConfig) (*KgoReader, error) {
	if len(cfg.BootstrapServers) == 0 {
		return nil, errors.New("kgo reader: no bootstrap servers")
	}

	return &KgoReader{
		config:   cfg,
		assigned: make(map[TopicPartition]Partition),
		logger:   cfg.Logger.With("component", "kgo-reader"),
	}, nil
}

func (k *KgoReader) baseOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(k.config.BootstrapServers...),
		kgo.ClientID(k.config.ClientID),
		kgo.WithLogger(newKgoLogger(k.logger)),
	}
}

func (k *KgoReader) AddPartitions(partitions []Partition) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrReaderClosed
	}

	toConsume := make(map[string]map[int32]kgo.Offset)
	for _, p := range partitions {
		if _, exists := k.assigned[p.TopicPartition]; exists {
			continue
		}

		if p.IsEmpty() {
			k.finished = append(k.finished, p.TopicPartition)
			continue
		}

		k.assigned[p.TopicPartition] = p
		if _, ok := toConsume[p.Topic]; !ok {
			toConsume[p.Topic] = make(map[int32]kgo.Offset)
		}
		toConsume[p.Topic][p.Partition] = toKgoOffset(p.StartOffset)
	}

	if len(toConsume) == 0 {
		return nil
	}

	if k.consumer != nil {
		k.consumer.AddConsumePartitions(toConsume)
		return nil
	}

	client, err := kgo.NewClient(append(k.baseOpts(), kgo.ConsumePartitions(toConsume))...)
	if err != nil {
		for topic, parts := range toConsume {
			for partition := range parts {
				delete(k.assigned, TopicPartition{Topic: topic, Partition: partition})
			}
		}
		return fmt.Errorf("create kgo client: %w", err)
	}

	k.consumer = client
	k.logger.Debug("Created consuming client", "partitions", len(k.assigned))

	return nil
}

func (k *KgoReader) Fetch(ctx context.Context) (Batch, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return Batch{}, ErrReaderClosed
	}

	// report partitions that finished without reading anything before polling again
	if len(k.finished) > 0 || len(k.assigned) == 0 || k.consumer == nil {
		batch := Batch{Finished: k.drainFinished()}
		k.mu.Unlock()
		return batch, nil
	}

	client := k.consumer
	pollCtx, cancel := context.WithTimeout(ctx, k.config.PollTimeout)
	k.pollCancel = cancel
	k.mu.Unlock()

	fetches := client.PollRecords(pollCtx, k.config.MaxPollRecords)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.pollCancel = nil
	cancel()

	if fetches.IsClientClosed() {
		return Batch{}, ErrReaderClosed
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		for _, err := range errs {
			if !errors.Is(err.Err, context.DeadlineExceeded) && !errors.Is(err.Err, context.Canceled) {
				return Batch{}, fmt.Errorf("poll %s-%d: %w", err.Topic, err.Partition, err.Err)
			}
		}
	}

	raw := fetches.Records()
	batch := Batch{Records: make([]ConsumerRecord, 0, len(raw))}
	for _, r := range raw {
		tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}
		p, ok := k.assigned[tp]
		if !ok {
			continue
		}

		if p.IsExhaustedBy(r.Offset) {
			k.finishLocked(tp)
			continue
		}

		batch.Records = append(batch.Records, convertRecord(r))

		if p.IsLastOffset(r.Offset) {
			k.finishLocked(tp)
		}
	}
	batch.Finished = k.drainFinished()

	return batch, nil
}

func (k *KgoReader) finishLocked(tp TopicPartition) {
	if _, ok := k.assigned[tp]; !ok {
		return
	}

	delete(k.assigned, tp)
	k.consumer.RemoveConsumePartitions(topicPartitionsToMap([]TopicPartition{tp}))
	k.finished = append(k.finished, tp)
	k.logger.Debug("Partition reached stop offset", "partition", tp)
}

func (k *KgoReader) drainFinished() []TopicPartition {
	if len(k.finished) == 0 {
		return nil
	}

	out := k.finished
	k.finished = nil
	return out
}

func (k *KgoReader) Acknowledge(ctx context.Context, tp TopicPartition, offset Offset) error {
	if k.config.GroupID == "" {
		return NewBrokerError("acknowledge", tp, ErrNoGroup)
	}

	client, err := k.commitClient()
	if err != nil {
		return NewBrokerError("acknowledge", tp, err)
	}

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = k.config.GroupID
	req.Generation = -1

	rt := kmsg.NewOffsetCommitRequestTopic()
	rt.Topic = tp.Topic

	rp := kmsg.NewOffsetCommitRequestTopicPartition()
	rp.Partition = tp.Partition
	rp.Offset = offset.Offset + 1
	rp.LeaderEpoch = offset.LeaderEpoch

	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return NewBrokerError("acknowledge", tp, err)
	}

	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return NewBrokerError("acknowledge", tp, err)
			}
		}
	}

	k.logger.Debug("Acknowledged", "partition", tp, "offset", offset.Offset)
	return nil
}

func (k *KgoReader) commitClient() (*kgo.Client, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrReaderClosed
	}
	if k.consumer != nil {
		return k.consumer, nil
	}
	if k.commitOnly != nil {
		return k.commitOnly, nil
	}

	client, err := kgo.NewClient(k.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("create kgo client: %w", err)
	}

	k.commitOnly = client
	return client, nil
}

func (k *KgoReader) Assigned() []TopicPartition {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]TopicPartition, 0, len(k.assigned))
	for tp := range k.assigned {
		out = append(out, tp)
	}
	return out
}

func (k *KgoReader) Wakeup() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pollCancel != nil {
		k.pollCancel()
	}
}

func (k *KgoReader) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true

	if k.pollCancel != nil {
		k.pollCancel()
	}
	if k.consumer != nil {
		k.consumer.Close()
	}
	if k.commitOnly != nil {
		k.commitOnly.Close()
	}

	return nil
}

func toKgoOffset(start int64) kgo.Offset {
	switch start {
	case OffsetEarliest:
		return kgo.NewOffset().AtStart()
	case OffsetLatest:
		return kgo.NewOffset().AtEnd()
	default:
		return kgo.NewOffset().At(start)
	}
}

func convertRecord(r *kgo.Record) ConsumerRecord {
	headers := make([]Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = Header{Key: h.Key, Value: h.Value}
	}

	return ConsumerRecord{
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		Key:         r.Key,
		Value:       r.Value,
		Headers:     headers,
		Timestamp:   r.Timestamp,
		LeaderEpoch: r.LeaderEpoch,
	}
}
