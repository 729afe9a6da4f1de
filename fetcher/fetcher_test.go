//go:build unit

package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-fetcher/kafka"
	mockkafka "github.com/hugolhafner/go-fetcher/kafka/mock"
	mocklogger "github.com/hugolhafner/go-fetcher/logger/mock"
	"github.com/hugolhafner/go-fetcher/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	c := defaultConfig()
	c.FetchErrorBackoff = backoff.NewFixed(time.Millisecond)
	c.ShutdownTimeout = time.Second
	return c
}

// drain polls q until n records were collected
func drain(t *testing.T, q *queue.Queue[kafka.Batch], n int) ([]kafka.ConsumerRecord, []kafka.TopicPartition) {
	t.Helper()

	var records []kafka.ConsumerRecord
	var finished []kafka.TopicPartition

	deadline := time.After(waitFor)
	for len(records) < n {
		if b, ok := q.Poll(); ok {
			records = append(records, b.Records...)
			finished = append(finished, b.Finished...)
			continue
		}

		select {
		case <-q.Available():
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, got %d", n, len(records))
		}
	}

	return records, finished
}

// pollFinished polls q until tp is reported finished
func pollFinished(t *testing.T, q *queue.Queue[kafka.Batch], tp kafka.TopicPartition) {
	t.Helper()

	deadline := time.After(waitFor)
	for {
		if b, ok := q.Poll(); ok {
			for _, f := range b.Finished {
				if f == tp {
					return
				}
			}
			continue
		}

		select {
		case <-q.Available():
		case <-deadline:
			t.Fatalf("timed out waiting for %v to finish", tp)
		}
	}
}

func newTestFetcher(t *testing.T, broker *mockkafka.Broker, q *queue.Queue[kafka.Batch]) (*Fetcher, *mockkafka.Reader) {
	t.Helper()

	r, err := broker.NewReader()
	require.NoError(t, err)

	f := newFetcher(0, r, q, testConfig(), nil)
	t.Cleanup(
		func() {
			f.Shutdown()
			_ = f.WaitForStop(time.Second)
		},
	)
	return f, r
}

func TestFetcher_DeliversRecordsInOrder(t *testing.T) {
	broker := mockkafka.NewBroker(mockkafka.WithMaxPollRecords(2))
	broker.AddRecords("orders", 0, mockkafka.SimpleRecords("k1", "v1", "k2", "v2", "k3", "v3", "k4", "v4")...)

	q := queue.New[kafka.Batch](1)
	f, _ := newTestFetcher(t, broker, q)

	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))
	f.Start()

	records, _ := drain(t, q, 4)
	for i, rec := range records {
		assert.Equal(t, int64(i), rec.Offset)
	}
	assert.Equal(t, StateRunning, f.State())
}

func TestFetcher_AddPartitionsWhileRunning(t *testing.T) {
	broker := mockkafka.NewBroker()
	broker.AddRecords("orders", 0, mockkafka.SimpleRecord("a", "1"))
	broker.AddRecords("orders", 1, mockkafka.SimpleRecord("b", "2"))

	q := queue.New[kafka.Batch](4)
	f, r := newTestFetcher(t, broker, q)

	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))
	f.Start()
	first, _ := drain(t, q, 1)
	assert.Equal(t, int32(0), first[0].Partition)

	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 1, kafka.OffsetEarliest)}))
	second, _ := drain(t, q, 1)
	assert.Equal(t, int32(1), second[0].Partition)

	assert.Len(t, r.AddPartitionsCalls(), 2)
	assert.ElementsMatch(t, []kafka.TopicPartition{mockkafka.TP("orders", 0), mockkafka.TP("orders", 1)}, f.Assigned())
}

func TestFetcher_ExitsWhenIdle(t *testing.T) {
	broker := mockkafka.NewBroker()
	broker.AddRecords("orders", 0, mockkafka.SimpleRecords("a", "1", "b", "2")...)

	var exited sync.WaitGroup
	exited.Add(1)

	r, err := broker.NewReader()
	require.NoError(t, err)
	q := queue.New[kafka.Batch](4)
	f := newFetcher(3, r, q, testConfig(), func(*Fetcher) { exited.Done() })

	bounded := kafka.NewPartition("orders", 0, kafka.OffsetEarliest).Bounded(2)
	require.NoError(t, f.AddPartitions([]kafka.Partition{bounded}))
	f.Start()

	records, _ := drain(t, q, 2)
	assert.Len(t, records, 2)

	exited.Wait()
	require.NoError(t, f.WaitForStop(waitFor))
	assert.Equal(t, StateStopped, f.State())
	assert.True(t, f.IsIdle())
	assert.True(t, r.IsClosed())

	assert.ErrorIs(t, f.AddPartitions([]kafka.Partition{bounded}), ErrFetcherShutdown)
	assert.ErrorIs(
		t, f.Acknowledge(context.Background(), bounded.TopicPartition, kafka.Offset{Offset: 1}), ErrFetcherShutdown,
	)
}

func TestFetcher_StartWithoutPartitionsExitsImmediately(t *testing.T) {
	broker := mockkafka.NewBroker()
	q := queue.New[kafka.Batch](1)
	f, _ := newTestFetcher(t, broker, q)

	f.Start()
	require.NoError(t, f.WaitForStop(waitFor))
	assert.Equal(t, StateStopped, f.State())
}

func TestFetcher_StartIsIdempotent(t *testing.T) {
	broker := mockkafka.NewBroker()
	broker.AddRecords("orders", 0, mockkafka.SimpleRecord("a", "1"))

	q := queue.New[kafka.Batch](4)
	f, _ := newTestFetcher(t, broker, q)
	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))

	f.Start()
	f.Start()
	f.Start()

	records, _ := drain(t, q, 1)
	require.Len(t, records, 1)
	assert.Equal(t, StateRunning, f.State())
}

func TestFetcher_ShutdownUnblocksFullQueue(t *testing.T) {
	broker := mockkafka.NewBroker(mockkafka.WithMaxPollRecords(1))
	broker.AddRecords("orders", 0, mockkafka.SimpleRecords("a", "1", "b", "2", "c", "3")...)

	q := queue.New[kafka.Batch](1)
	f, r := newTestFetcher(t, broker, q)
	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))
	f.Start()

	require.Eventually(t, func() bool { return q.Size() == 1 }, waitFor, time.Millisecond)

	f.Shutdown()
	require.NoError(t, f.WaitForStop(waitFor))
	assert.True(t, r.IsClosed())
	assert.Equal(t, StateStopped, f.State())
}

func TestFetcher_ShutdownBeforeStartReleasesReader(t *testing.T) {
	broker := mockkafka.NewBroker()
	q := queue.New[kafka.Batch](1)
	f, r := newTestFetcher(t, broker, q)

	f.Shutdown()
	f.Shutdown()

	require.NoError(t, f.WaitForStop(waitFor))
	assert.True(t, r.IsClosed())

	f.Start()
	assert.Equal(t, StateStopped, f.State(), "start after shutdown does nothing")
}

func TestFetcher_QueueClosedStopsLoop(t *testing.T) {
	broker := mockkafka.NewBroker()
	broker.AddRecords("orders", 0, mockkafka.SimpleRecord("a", "1"))

	q := queue.New[kafka.Batch](1)
	q.Close()

	f, _ := newTestFetcher(t, broker, q)
	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))
	f.Start()

	require.NoError(t, f.WaitForStop(waitFor))
}

func TestFetcher_RetriesFetchErrors(t *testing.T) {
	broker := mockkafka.NewBroker()
	broker.AddRecords("orders", 0, mockkafka.SimpleRecord("a", "1"))
	broker.SetFetchError(errors.New("broker unavailable"))

	log := mocklogger.New()
	r, err := broker.NewReader()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Logger = log
	q := queue.New[kafka.Batch](1)
	f := newFetcher(0, r, q, cfg, nil)
	t.Cleanup(f.Shutdown)

	require.NoError(t, f.AddPartitions([]kafka.Partition{kafka.NewPartition("orders", 0, kafka.OffsetEarliest)}))
	f.Start()

	require.Eventually(
		t, func() bool {
			for _, e := range log.Entries() {
				if e.Message == "Fetch error" {
					return true
				}
			}
			return false
		}, waitFor, time.Millisecond,
	)

	broker.SetFetchError(nil)
	records, _ := drain(t, q, 1)
	assert.Equal(t, "a", string(records[0].Key))
}

func TestFetcher_ReportsFinishedPartitions(t *testing.T) {
	broker := mockkafka.NewBroker()
	broker.AddRecords("orders", 0, mockkafka.SimpleRecords("a", "1", "b", "2", "c", "3")...)

	q := queue.New[kafka.Batch](4)
	f, _ := newTestFetcher(t, broker, q)

	bounded := kafka.NewPartition("orders", 0, 1).Bounded(2)
	open := kafka.NewPartition("orders", 1, kafka.OffsetLatest)
	require.NoError(t, f.AddPartitions([]kafka.Partition{bounded, open}))
	f.Start()

	pollFinished(t, q, bounded.TopicPartition)

	require.Eventually(
		t, func() bool {
			assigned := f.Assigned()
			return len(assigned) == 1 && assigned[0] == open.TopicPartition
		}, waitFor, time.Millisecond,
	)
	assert.False(t, f.IsIdle())
}

func TestFetcher_Acknowledge(t *testing.T) {
	broker := mockkafka.NewBroker()
	q := queue.New[kafka.Batch](1)
	f, r := newTestFetcher(t, broker, q)

	tp := mockkafka.TP("orders", 0)
	require.NoError(t, f.Acknowledge(context.Background(), tp, kafka.Offset{Offset: 41}))
	broker.AssertCommitted(t, tp, 41)

	calls := broker.AckCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, r.ID(), calls[0].ReaderID)

	t.Run("broker failure is returned as is", func(t *testing.T) {
		broker.SetAckError(errors.New("not coordinator"))
		err := f.Acknowledge(context.Background(), tp, kafka.Offset{Offset: 42})
		require.Error(t, err)

		be, ok := kafka.AsBrokerError(err)
		require.True(t, ok)
		assert.Equal(t, tp, be.Partition)
		broker.AssertCommitted(t, tp, 41)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "12", ID(12).String())
}
