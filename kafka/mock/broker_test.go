//go:build unit

package mockkafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_FetchRoundRobinsAcrossPartitions(t *testing.T) {
	b := NewBroker()
	b.AddRecords("orders", 0, SimpleRecords("a", "1", "b", "2")...)
	b.AddRecords("orders", 1, SimpleRecords("c", "3")...)

	r, err := b.NewReader()
	require.NoError(t, err)
	require.NoError(
		t, r.AddPartitions(
			[]kafka.Partition{
				kafka.NewPartition("orders", 0, kafka.OffsetEarliest),
				kafka.NewPartition("orders", 1, kafka.OffsetEarliest),
			},
		),
	)

	batch, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)

	keys := make([]string, 0, 3)
	for _, rec := range batch.Records {
		keys = append(keys, string(rec.Key))
	}
	assert.Equal(t, []string{"a", "c", "b"}, keys)

	byPartition := batch.ByPartition()
	assert.Equal(t, int64(0), byPartition[TP("orders", 0)][0].Offset)
	assert.Equal(t, int64(1), byPartition[TP("orders", 0)][1].Offset)
}

func TestReader_BoundedPartitionFinishes(t *testing.T) {
	b := NewBroker()
	b.AddRecords("orders", 0, SimpleRecords("a", "1", "b", "2", "c", "3")...)

	r, err := b.NewReader()
	require.NoError(t, err)
	require.NoError(t, r.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, 0).Bounded(2)}))

	batch, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
	assert.Equal(t, []kafka.TopicPartition{TP("orders", 0)}, batch.Finished)
	assert.Empty(t, r.Assigned())
}

func TestReader_EmptyBoundedPartitionFinishesImmediately(t *testing.T) {
	b := NewBroker()

	r, err := b.NewReader()
	require.NoError(t, err)
	require.NoError(t, r.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, 5).Bounded(5)}))

	batch, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, []kafka.TopicPartition{TP("orders", 0)}, batch.Finished)
}

func TestReader_FetchWaitsForAppendedRecords(t *testing.T) {
	b := NewBroker(WithPollTimeout(2 * time.Second))

	r, err := b.NewReader()
	require.NoError(t, err)
	require.NoError(t, r.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.AddRecords("orders", 0, SimpleRecord("late", "v"))
	}()

	batch, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "late", string(batch.Records[0].Key))
}

func TestReader_WakeupInterruptsFetch(t *testing.T) {
	b := NewBroker(WithPollTimeout(10 * time.Second))

	r, err := b.NewReader()
	require.NoError(t, err)
	require.NoError(t, r.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetLatest)}))

	done := make(chan struct{})
	go func() {
		_, _ = r.Fetch(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Wakeup()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fetch not interrupted by wakeup")
	}
}

func TestBroker_AcknowledgeRecordsCallsAndErrors(t *testing.T) {
	b := NewBroker()
	r, err := b.NewReader()
	require.NoError(t, err)

	tp := TP("orders", 0)
	require.NoError(t, r.Acknowledge(context.Background(), tp, kafka.Offset{Offset: 4}))
	b.AssertCommitted(t, tp, 4)

	boom := errors.New("boom")
	b.SetAckError(boom)

	err = r.Acknowledge(context.Background(), tp, kafka.Offset{Offset: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	be, ok := kafka.AsBrokerError(err)
	require.True(t, ok)
	assert.Equal(t, tp, be.Partition)

	b.AssertCommitted(t, tp, 4)
	b.AssertAckCount(t, tp, 2)
}

func TestBroker_FactoryError(t *testing.T) {
	boom := errors.New("no connection")
	b := NewBroker(WithFactoryError(boom))

	_, err := b.ReaderFactory()()
	require.ErrorIs(t, err, boom)
	b.AssertReadersCreated(t, 0)
}

func TestBroker_AddRecordsAppendsAtLogEnd(t *testing.T) {
	b := NewBroker()
	b.AddRecords("orders", 0, NumberedRecords(2)...)
	b.AddRecords("orders", 0, SimpleRecord("late", "x", WithHeader("traceparent", []byte("tp")), WithLeaderEpoch(4)))

	r, err := b.NewReader()
	require.NoError(t, err)
	require.NoError(t, r.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest).Bounded(3)}))

	batch, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)

	assert.Equal(t, "k0", string(batch.Records[0].Key))
	assert.Equal(t, "v1", string(batch.Records[1].Value))

	late := batch.Records[2]
	assert.Equal(t, int64(2), late.Offset)
	assert.Equal(t, int32(4), late.LeaderEpoch)
	v, ok := kafka.HeaderValue(late.Headers, "traceparent")
	require.True(t, ok)
	assert.Equal(t, []byte("tp"), v)
}
