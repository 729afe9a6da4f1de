package kafka

import (
	"strconv"
	"time"
)

// Header represents a single Kafka record header
// kafka needs to support multiple headers with duplicate keys
type Header struct {
	Key   string
	Value []byte
}

// HeaderValue returns the value of the first header matching the given key
// Returns (nil, false) if no header with that key exists
func HeaderValue(headers []Header, key string) ([]byte, bool) {
	for _, h := range headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

type ConsumerRecord struct {
	Key         []byte
	Value       []byte
	Headers     []Header
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Timestamp   time.Time
}

func (r ConsumerRecord) TopicPartition() TopicPartition {
	return TopicPartition{
		Topic:     r.Topic,
		Partition: r.Partition,
	}
}

// Position is the acknowledgment position of this record
func (r ConsumerRecord) Position() Offset {
	return Offset{
		Offset:      r.Offset,
		LeaderEpoch: r.LeaderEpoch,
	}
}

func (r ConsumerRecord) Size() int {
	size := len(r.Key) + len(r.Value)
	for _, h := range r.Headers {
		size += len(h.Key) + len(h.Value)
	}
	return size
}

// TopicPartition identifies a partition, every partition is owned by at most one fetcher
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.FormatInt(int64(tp.Partition), 10)
}

// Offset is a message position within a partition
type Offset struct {
	LeaderEpoch int32
	Offset      int64
}

// Acknowledgment asks the broker to consider everything up to and including Offset consumed
type Acknowledgment struct {
	Partition TopicPartition
	Offset    Offset
}
