package mockkafka

import (
	"testing"

	"github.com/hugolhafner/go-fetcher/kafka"
)

// AssertCommitted checks that the last acknowledged offset of tp equals offset
func (b *Broker) AssertCommitted(tb testing.TB, tp kafka.TopicPartition, offset int64) {
	tb.Helper()

	got, ok := b.Committed(tp)
	if !ok {
		tb.Errorf("expected %s to be acknowledged at offset %d, but it was never acknowledged", tp, offset)
		return
	}

	if got.Offset != offset {
		tb.Errorf("expected %s to be acknowledged at offset %d, got %d", tp, offset, got.Offset)
	}
}

// AssertNotCommitted checks that tp was never successfully acknowledged
func (b *Broker) AssertNotCommitted(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	if got, ok := b.Committed(tp); ok {
		tb.Errorf("expected %s to not be acknowledged, got offset %d", tp, got.Offset)
	}
}

// AssertAckCount checks the number of acknowledgment attempts for tp, failed ones included
func (b *Broker) AssertAckCount(tb testing.TB, tp kafka.TopicPartition, expected int) {
	tb.Helper()

	count := 0
	for _, call := range b.AckCalls() {
		if call.Partition == tp {
			count++
		}
	}

	if count != expected {
		tb.Errorf("expected %d acknowledgments for %s, got %d", expected, tp, count)
	}
}

// AssertReadersCreated checks how many readers the broker handed out
func (b *Broker) AssertReadersCreated(tb testing.TB, expected int) {
	tb.Helper()

	if got := b.ReadersCreated(); got != expected {
		tb.Errorf("expected %d readers to be created, got %d", expected, got)
	}
}
