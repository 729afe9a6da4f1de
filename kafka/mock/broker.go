package mockkafka

import (
	"sync"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
)

// AckCall is a single acknowledgment that reached the broker
type AckCall struct {
	ReaderID  int
	Partition kafka.TopicPartition
	Offset    kafka.Offset
	Err       error
}

// Broker is an in-memory partitioned log shared by every Reader it creates
type Broker struct {
	mu sync.Mutex

	logs      map[kafka.TopicPartition][]kafka.ConsumerRecord
	committed map[kafka.TopicPartition]kafka.Offset
	ackCalls  []AckCall
	readers   []*Reader

	// closed and replaced whenever records are appended
	appended chan struct{}

	maxPollRecords int
	pollTimeout    time.Duration

	fetchErr   func() error
	ackErr     func(tp kafka.TopicPartition, offset kafka.Offset) error
	factoryErr error
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		logs:           make(map[kafka.TopicPartition][]kafka.ConsumerRecord),
		committed:      make(map[kafka.TopicPartition]kafka.Offset),
		appended:       make(chan struct{}),
		maxPollRecords: 10,
		pollTimeout:    10 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// AddRecords appends records to a partition log. Offsets are assigned from the log position.
func (b *Broker) AddRecords(topic string, partition int32, records ...kafka.ConsumerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp := kafka.TopicPartition{Topic: topic, Partition: partition}
	base := int64(len(b.logs[tp]))
	for i := range records {
		records[i].Topic = topic
		records[i].Partition = partition
		records[i].Offset = base + int64(i)
	}

	b.logs[tp] = append(b.logs[tp], records...)

	close(b.appended)
	b.appended = make(chan struct{})
}

// ReaderFactory returns a factory creating readers bound to this broker
func (b *Broker) ReaderFactory() kafka.ReaderFactory {
	return func() (kafka.PartitionReader, error) {
		return b.NewReader()
	}
}

func (b *Broker) NewReader() (*Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.factoryErr != nil {
		return nil, b.factoryErr
	}

	r := &Reader{
		id:       len(b.readers),
		broker:   b,
		cursors:  make(map[kafka.TopicPartition]*cursor),
		wake:     make(chan struct{}, 1),
		maxPoll:  b.maxPollRecords,
		pollWait: b.pollTimeout,
	}
	b.readers = append(b.readers, r)

	return r, nil
}

// SetAckError configures an error to be returned on all Acknowledge calls.
// Pass nil to clear the error.
func (b *Broker) SetAckError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.ackErr = nil
	} else {
		b.ackErr = func(kafka.TopicPartition, kafka.Offset) error { return err }
	}
}

// SetAckErrorFunc configures a function to determine Acknowledge errors per partition.
func (b *Broker) SetAckErrorFunc(fn func(tp kafka.TopicPartition, offset kafka.Offset) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ackErr = fn
}

// SetFetchError configures an error to be returned on all Fetch calls.
// Pass nil to clear the error.
func (b *Broker) SetFetchError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.fetchErr = nil
	} else {
		b.fetchErr = func() error { return err }
	}
}

// SetFactoryError configures an error to be returned when creating readers.
func (b *Broker) SetFactoryError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.factoryErr = err
}

// Committed returns the last acknowledged position of a partition
func (b *Broker) Committed(tp kafka.TopicPartition) (kafka.Offset, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	off, ok := b.committed[tp]
	return off, ok
}

// AckCalls returns every acknowledgment attempt, failed ones included
func (b *Broker) AckCalls() []AckCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AckCall, len(b.ackCalls))
	copy(out, b.ackCalls)
	return out
}

// Readers returns every reader created so far, in creation order
func (b *Broker) Readers() []*Reader {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Reader, len(b.readers))
	copy(out, b.readers)
	return out
}

func (b *Broker) ReadersCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.readers)
}

func (b *Broker) acknowledge(readerID int, tp kafka.TopicPartition, offset kafka.Offset) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.ackErr != nil {
		err = b.ackErr(tp, offset)
	}

	b.ackCalls = append(b.ackCalls, AckCall{ReaderID: readerID, Partition: tp, Offset: offset, Err: err})
	if err != nil {
		return kafka.NewBrokerError("acknowledge", tp, err)
	}

	b.committed[tp] = offset
	return nil
}

// read returns records of tp starting at from, at most limit, and the channel signalling the next append
func (b *Broker) read(tp kafka.TopicPartition, from int64, limit int) ([]kafka.ConsumerRecord, int64, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logs[tp]
	end := int64(len(log))
	if from >= end || limit <= 0 {
		return nil, end, b.appended
	}

	to := from + int64(limit)
	if to > end {
		to = end
	}

	out := make([]kafka.ConsumerRecord, to-from)
	copy(out, log[from:to])
	return out, end, b.appended
}

func (b *Broker) logEnd(tp kafka.TopicPartition) (int64, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.logs[tp])), b.appended
}

func (b *Broker) fetchError() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fetchErr == nil {
		return nil
	}
	return b.fetchErr()
}
