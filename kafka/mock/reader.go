package mockkafka

import (
	"context"
	"sync"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
)

var _ kafka.PartitionReader = (*Reader)(nil)

type cursor struct {
	partition kafka.Partition
	next      int64
	resolved  bool
}

// Reader is a PartitionReader over a Broker. Fetch round-robins across assigned partitions.
type Reader struct {
	id     int
	broker *Broker

	mu       sync.Mutex
	cursors  map[kafka.TopicPartition]*cursor
	order    []kafka.TopicPartition
	finished []kafka.TopicPartition
	added    [][]kafka.Partition
	fetches  int
	closed   bool

	wake     chan struct{}
	maxPoll  int
	pollWait time.Duration
}

func (r *Reader) ID() int {
	return r.id
}

func (r *Reader) AddPartitions(partitions []kafka.Partition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return kafka.ErrReaderClosed
	}

	r.added = append(r.added, partitions)
	for _, p := range partitions {
		if _, exists := r.cursors[p.TopicPartition]; exists {
			continue
		}

		if p.IsEmpty() {
			r.finished = append(r.finished, p.TopicPartition)
			continue
		}

		r.cursors[p.TopicPartition] = &cursor{partition: p}
		r.order = append(r.order, p.TopicPartition)
	}

	return nil
}

func (r *Reader) Fetch(ctx context.Context) (kafka.Batch, error) {
	if err := r.broker.fetchError(); err != nil {
		return kafka.Batch{}, err
	}

	deadline := time.NewTimer(r.pollWait)
	defer deadline.Stop()

	for {
		batch, appended, err := r.fetchOnce()
		if err != nil || !batch.IsEmpty() || appended == nil {
			return batch, err
		}

		select {
		case <-ctx.Done():
			return kafka.Batch{}, nil
		case <-r.wake:
			return kafka.Batch{}, nil
		case <-deadline.C:
			return kafka.Batch{}, nil
		case <-appended:
		}
	}
}

func (r *Reader) fetchOnce() (kafka.Batch, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return kafka.Batch{}, nil, kafka.ErrReaderClosed
	}
	r.fetches++

	var batch kafka.Batch
	var appended <-chan struct{}

	// one record per partition per round keeps the interleaving deterministic
	for progress := true; progress && len(batch.Records) < r.maxPoll; {
		progress = false
		round := append([]kafka.TopicPartition(nil), r.order...)
		for _, tp := range round {
			c, ok := r.cursors[tp]
			if !ok {
				continue
			}

			if !c.resolved {
				end, ch := r.broker.logEnd(tp)
				appended = ch
				switch c.partition.StartOffset {
				case kafka.OffsetEarliest:
					c.next = 0
				case kafka.OffsetLatest:
					c.next = end
				default:
					c.next = c.partition.StartOffset
				}
				c.resolved = true
			}

			if c.partition.IsExhaustedBy(c.next) {
				r.finishLocked(tp)
				continue
			}

			recs, _, ch := r.broker.read(tp, c.next, 1)
			appended = ch
			if len(recs) == 0 {
				continue
			}

			batch.Records = append(batch.Records, recs[0])
			c.next = recs[0].Offset + 1
			progress = true

			if c.partition.IsExhaustedBy(c.next) {
				r.finishLocked(tp)
			}

			if len(batch.Records) >= r.maxPoll {
				break
			}
		}
	}

	batch.Finished = r.finished
	r.finished = nil

	if len(r.cursors) == 0 {
		appended = nil
	}

	return batch, appended, nil
}

func (r *Reader) finishLocked(tp kafka.TopicPartition) {
	delete(r.cursors, tp)
	for i, o := range r.order {
		if o == tp {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.finished = append(r.finished, tp)
}

func (r *Reader) Acknowledge(ctx context.Context, tp kafka.TopicPartition, offset kafka.Offset) error {
	if err := ctx.Err(); err != nil {
		return kafka.NewBrokerError("acknowledge", tp, err)
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return kafka.NewBrokerError("acknowledge", tp, kafka.ErrReaderClosed)
	}

	return r.broker.acknowledge(r.id, tp, offset)
}

func (r *Reader) Assigned() []kafka.TopicPartition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]kafka.TopicPartition, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Reader) Wakeup() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

func (r *Reader) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// AddPartitionsCalls returns the argument of every AddPartitions call
func (r *Reader) AddPartitionsCalls() [][]kafka.Partition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]kafka.Partition, len(r.added))
	copy(out, r.added)
	return out
}

func (r *Reader) FetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fetches
}
