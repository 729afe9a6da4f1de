package errorhandler

import (
	"context"
	"errors"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-fetcher/logger"
)

// Silent fails without logging, the error surfaces from the source reader
func Silent() Handler {
	return HandlerFunc(func(context.Context, Failure) Decision { return Fail })
}

// LogAndSkip logs the failure and skips the record
func LogAndSkip(l logger.Logger) Handler {
	return HandlerFunc(
		func(_ context.Context, f Failure) Decision {
			l.Error("Skipping record", f.fields()...)
			return Skip
		},
	)
}

// LogAndFail logs the failure and stops the source reader
func LogAndFail(l logger.Logger) Handler {
	return HandlerFunc(
		func(_ context.Context, f Failure) Decision {
			l.Error("Record failed", f.fields()...)
			return Fail
		},
	)
}

// RetryUpTo retries a record until it failed maxAttempts times, waiting b between attempts,
// then defers to exhausted
func RetryUpTo(maxAttempts int, b backoff.Backoff, exhausted Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, f Failure) Decision {
			if f.Attempt >= maxAttempts {
				return exhausted.Handle(ctx, f)
			}

			t := time.NewTimer(b.Next(uint(f.Attempt)))
			defer t.Stop()

			select {
			case <-ctx.Done():
				return Fail
			case <-t.C:
				return Retry
			}
		},
	)
}

// OnError routes failures caused by target to matched and everything else to otherwise
func OnError(target error, matched, otherwise Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, f Failure) Decision {
			if errors.Is(f.Err, target) {
				return matched.Handle(ctx, f)
			}
			return otherwise.Handle(ctx, f)
		},
	)
}

// Logged logs every decision of next at level
func Logged(l logger.Logger, level logger.LogLevel, next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, f Failure) Decision {
			d := next.Handle(ctx, f)
			l.Log(level, "Error handler decision", append([]any{"decision", d.String()}, f.fields()...)...)
			return d
		},
	)
}
