package mockkafka

import (
	"fmt"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
)

type RecordOption func(*kafka.ConsumerRecord)

func WithHeader(key string, value []byte) RecordOption {
	return func(r *kafka.ConsumerRecord) {
		r.Headers = append(r.Headers, kafka.Header{Key: key, Value: value})
	}
}

func WithTimestamp(ts time.Time) RecordOption {
	return func(r *kafka.ConsumerRecord) {
		r.Timestamp = ts
	}
}

func WithLeaderEpoch(epoch int32) RecordOption {
	return func(r *kafka.ConsumerRecord) {
		r.LeaderEpoch = epoch
	}
}

// SimpleRecord creates a record with key and value. Topic, partition and offset are filled in
// by Broker.AddRecords.
func SimpleRecord(key, value string, opts ...RecordOption) kafka.ConsumerRecord {
	r := kafka.ConsumerRecord{
		Key:       []byte(key),
		Value:     []byte(value),
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// SimpleRecords creates one record per key, value pair
func SimpleRecords(keyValuePairs ...string) []kafka.ConsumerRecord {
	if len(keyValuePairs)%2 != 0 {
		panic("SimpleRecords requires an even number of arguments (key-value pairs)")
	}

	records := make([]kafka.ConsumerRecord, 0, len(keyValuePairs)/2)
	for i := 0; i < len(keyValuePairs); i += 2 {
		records = append(records, SimpleRecord(keyValuePairs[i], keyValuePairs[i+1]))
	}
	return records
}

// NumberedRecords creates n records keyed k0..kn-1 with values v0..vn-1
func NumberedRecords(n int) []kafka.ConsumerRecord {
	records := make([]kafka.ConsumerRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, SimpleRecord(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
	}
	return records
}

// TP is shorthand for a TopicPartition
func TP(topic string, partition int32) kafka.TopicPartition {
	return kafka.TopicPartition{Topic: topic, Partition: partition}
}
