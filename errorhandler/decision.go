package errorhandler

import (
	"context"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
)

// Decision is what the source reader does with a record its handler failed on
type Decision int

const (
	// Fail stops the source reader, the record is not acknowledged
	Fail Decision = iota
	// Skip drops the record and counts it as consumed
	Skip
	// Retry hands the record to the handler again
	Retry
)

func (d Decision) String() string {
	switch d {
	case Fail:
		return "fail"
	case Skip:
		return "skip"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Failure describes the latest failed delivery of one record
type Failure struct {
	Record kafka.ConsumerRecord
	Err    error
	// Attempt is 1 on the first failure
	Attempt int
	// Since is when the record first failed
	Since time.Time
}

func NewFailure(rec kafka.ConsumerRecord, err error) Failure {
	return Failure{Record: rec, Err: err, Attempt: 1, Since: time.Now()}
}

// Next records another failed attempt with err
func (f Failure) Next(err error) Failure {
	f.Err = err
	f.Attempt++
	return f
}

func (f Failure) fields() []any {
	return []any{
		"error", f.Err,
		"topic", f.Record.Topic,
		"partition", f.Record.Partition,
		"offset", f.Record.Offset,
		"attempt", f.Attempt,
	}
}

type Handler interface {
	Handle(ctx context.Context, f Failure) Decision
}

type HandlerFunc func(ctx context.Context, f Failure) Decision

func (fn HandlerFunc) Handle(ctx context.Context, f Failure) Decision {
	return fn(ctx, f)
}
