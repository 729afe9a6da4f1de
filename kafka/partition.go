package kafka

import (
	"sort"
)

const (
	// OffsetEarliest starts consumption from the log start
	OffsetEarliest int64 = -2
	// OffsetLatest starts consumption from the log end
	OffsetLatest int64 = -1
	// NoStopOffset marks a partition that is consumed without an end
	NoStopOffset int64 = -1
)

// Partition is the unit of work handed to a fetcher.
// A bounded partition is finished once every offset below StopOffset has been read.
type Partition struct {
	TopicPartition
	StartOffset int64
	StopOffset  int64
}

// NewPartition returns an unbounded partition starting at the given offset
func NewPartition(topic string, partition int32, start int64) Partition {
	return Partition{
		TopicPartition: TopicPartition{Topic: topic, Partition: partition},
		StartOffset:    start,
		StopOffset:     NoStopOffset,
	}
}

// Bounded returns a copy of p that finishes before stop
func (p Partition) Bounded(stop int64) Partition {
	p.StopOffset = stop
	return p
}

func (p Partition) IsBounded() bool {
	return p.StopOffset >= 0
}

// IsExhaustedBy reports whether offset is at or past the end of the partition
func (p Partition) IsExhaustedBy(offset int64) bool {
	return p.IsBounded() && offset >= p.StopOffset
}

// IsLastOffset reports whether offset is the final offset of a bounded partition
func (p Partition) IsLastOffset(offset int64) bool {
	return p.IsBounded() && offset >= p.StopOffset-1
}

// IsEmpty reports whether a bounded partition has nothing to read
func (p Partition) IsEmpty() bool {
	return p.IsBounded() && p.StartOffset >= 0 && p.StartOffset >= p.StopOffset
}

// Batch is the decoded output of a single Fetch.
// Records of one partition keep the order in which the broker returned them.
type Batch struct {
	Records  []ConsumerRecord
	Finished []TopicPartition
}

func (b Batch) Len() int {
	return len(b.Records)
}

// IsEmpty reports whether the batch carries neither records nor finished partitions
func (b Batch) IsEmpty() bool {
	return len(b.Records) == 0 && len(b.Finished) == 0
}

// ByPartition groups the records by partition, preserving order within each partition
func (b Batch) ByPartition() map[TopicPartition][]ConsumerRecord {
	out := make(map[TopicPartition][]ConsumerRecord)
	for _, r := range b.Records {
		tp := r.TopicPartition()
		out[tp] = append(out[tp], r)
	}
	return out
}

// AcknowledgmentsFromMap flattens per-partition positions into a batch ordered by topic, then partition
func AcknowledgmentsFromMap(m map[TopicPartition]Offset) []Acknowledgment {
	acks := make([]Acknowledgment, 0, len(m))
	for tp, off := range m {
		acks = append(acks, Acknowledgment{Partition: tp, Offset: off})
	}

	sort.Slice(
		acks, func(i, j int) bool {
			if acks[i].Partition.Topic != acks[j].Partition.Topic {
				return acks[i].Partition.Topic < acks[j].Partition.Topic
			}
			return acks[i].Partition.Partition < acks[j].Partition.Partition
		},
	)

	return acks
}

func topicPartitionsToMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}
