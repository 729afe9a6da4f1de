//go:build unit

package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hugolhafner/go-fetcher/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestPartition_Bounds(t *testing.T) {
	unbounded := NewPartition("t", 0, OffsetEarliest)
	assert.False(t, unbounded.IsBounded())
	assert.False(t, unbounded.IsExhaustedBy(1<<40))
	assert.False(t, unbounded.IsEmpty())

	bounded := NewPartition("t", 0, 3).Bounded(5)
	assert.True(t, bounded.IsBounded())
	assert.False(t, bounded.IsExhaustedBy(4))
	assert.True(t, bounded.IsLastOffset(4))
	assert.True(t, bounded.IsExhaustedBy(5))
	assert.False(t, bounded.IsEmpty())

	assert.True(t, NewPartition("t", 0, 5).Bounded(5).IsEmpty())
	assert.False(t, NewPartition("t", 0, OffsetEarliest).Bounded(5).IsEmpty())
}

func TestTopicPartition_String(t *testing.T) {
	assert.Equal(t, "orders-7", TopicPartition{Topic: "orders", Partition: 7}.String())
}

func TestAcknowledgmentsFromMap_SortsByTopicAndPartition(t *testing.T) {
	acks := AcknowledgmentsFromMap(
		map[TopicPartition]Offset{
			{Topic: "b", Partition: 0}: {Offset: 1},
			{Topic: "a", Partition: 2}: {Offset: 2},
			{Topic: "a", Partition: 1}: {Offset: 3},
		},
	)

	require.Len(t, acks, 3)
	assert.Equal(t, TopicPartition{Topic: "a", Partition: 1}, acks[0].Partition)
	assert.Equal(t, TopicPartition{Topic: "a", Partition: 2}, acks[1].Partition)
	assert.Equal(t, TopicPartition{Topic: "b", Partition: 0}, acks[2].Partition)
	assert.Equal(t, int64(3), acks[0].Offset.Offset)
}

func TestBrokerError_UnwrapsCause(t *testing.T) {
	cause := errors.New("coordinator not available")
	tp := TopicPartition{Topic: "orders", Partition: 1}

	err := fmt.Errorf("acknowledge batch: %w", NewBrokerError("acknowledge", tp, cause))

	assert.ErrorIs(t, err, cause)
	be, ok := AsBrokerError(err)
	require.True(t, ok)
	assert.Equal(t, "acknowledge", be.Op)
	assert.Equal(t, tp, be.Partition)
	assert.Contains(t, err.Error(), "orders-1")

	_, ok = AsBrokerError(cause)
	assert.False(t, ok)
}

func TestConsumerRecord_Position(t *testing.T) {
	rec := ConsumerRecord{Topic: "t", Partition: 2, Offset: 10, LeaderEpoch: 3, Key: []byte("k"), Value: []byte("vv")}
	assert.Equal(t, Offset{Offset: 10, LeaderEpoch: 3}, rec.Position())
	assert.Equal(t, TopicPartition{Topic: "t", Partition: 2}, rec.TopicPartition())
	assert.Equal(t, 3, rec.Size())
}

func TestRegistry_UnknownDriver(t *testing.T) {
	_, err := NewReaderFactory("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestRegistry_BuiltinDrivers(t *testing.T) {
	drivers := Drivers()
	assert.Contains(t, drivers, "kgo")
	assert.Contains(t, drivers, "sarama")
}

func TestRegistry_RegisterCustomDriver(t *testing.T) {
	var got ReaderConfig
	Register(
		"capture", func(cfg ReaderConfig) (PartitionReader, error) {
			got = cfg
			return nil, errors.New("capture only")
		},
	)

	factory, err := NewReaderFactory("capture", WithGroupID("g1"), WithMaxPollRecords(7))
	require.NoError(t, err)

	_, err = factory()
	require.Error(t, err)
	assert.Equal(t, "g1", got.GroupID)
	assert.Equal(t, 7, got.MaxPollRecords)
	assert.Equal(t, defaultReaderConfig().PollTimeout, got.PollTimeout)
}

func TestKgoLogger_LevelMapping(t *testing.T) {
	assert.Equal(t, kgo.LogLevelDebug, mapToKgoLevel(logger.DebugLevel))
	assert.Equal(t, kgo.LogLevelError, mapToKgoLevel(logger.ErrorLevel))
	assert.Equal(t, logger.WarnLevel, mapFromKgoLevel(kgo.LogLevelWarn))
	assert.Equal(t, logger.WarnLevel, mapFromKgoLevel(kgo.LogLevelNone))
}

func TestToKgoOffset(t *testing.T) {
	assert.Equal(t, kgo.NewOffset().AtStart(), toKgoOffset(OffsetEarliest))
	assert.Equal(t, kgo.NewOffset().AtEnd(), toKgoOffset(OffsetLatest))
	assert.Equal(t, kgo.NewOffset().At(42), toKgoOffset(42))
}

func TestNewKgoReader_RequiresBrokers(t *testing.T) {
	_, err := NewKgoReader(WithBootstrapServers(nil))
	require.Error(t, err)
}

func TestKgoReader_AcknowledgeWithoutGroup(t *testing.T) {
	r, err := NewKgoReader(WithGroupID(""))
	require.NoError(t, err)
	defer r.Close()

	err = r.Acknowledge(t.Context(), TopicPartition{Topic: "t"}, Offset{Offset: 1})
	require.ErrorIs(t, err, ErrNoGroup)
}

func TestNewSaramaReader_DoesNotDialBrokers(t *testing.T) {
	r, err := NewSaramaReader(WithBootstrapServers([]string{"127.0.0.1:1"}), WithGroupID(""))
	require.NoError(t, err, "construction must not contact the brokers")

	err = r.Acknowledge(t.Context(), TopicPartition{Topic: "t"}, Offset{Offset: 1})
	require.ErrorIs(t, err, ErrNoGroup)

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.AddPartitions([]Partition{NewPartition("t", 0, OffsetEarliest)}), ErrReaderClosed)
}

func TestNewSaramaReader_RequiresBrokers(t *testing.T) {
	_, err := NewSaramaReader(WithBootstrapServers(nil))
	require.Error(t, err)

	_, err = NewSaramaReader(WithKafkaVersion("not-a-version"))
	require.Error(t, err)
}
