package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed  = errors.New("queue closed")
	ErrWokenUp = errors.New("putter woken up")
)

// Queue is a bounded handoff between many producers and a single consumer.
// Producers block in Put while the queue is full. The consumer polls without blocking and waits
// on Available instead of spinning.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	// closed while the queue holds items, replaced once it is drained
	available       chan struct{}
	availableClosed bool

	// closed and replaced whenever space is freed
	space chan struct{}

	// putters blocked in Put, by putter id
	wakeups map[int]chan struct{}
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &Queue[T]{
		items:     make([]T, 0, capacity),
		capacity:  capacity,
		available: make(chan struct{}),
		space:     make(chan struct{}),
		wakeups:   make(map[int]chan struct{}),
	}
}

// Put adds elem, blocking while the queue is full. It returns ErrWokenUp if WakeUpPutter was
// called for putterID while waiting, ErrClosed once the queue is closed, or the context error.
func (q *Queue[T]) Put(ctx context.Context, putterID int, elem T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		if len(q.items) < q.capacity {
			q.items = append(q.items, elem)
			q.signalAvailableLocked()
			q.mu.Unlock()
			return nil
		}

		wake := make(chan struct{})
		q.wakeups[putterID] = wake
		space := q.space
		q.mu.Unlock()

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-wake:
			err = ErrWokenUp
		case <-space:
		}

		q.mu.Lock()
		if q.wakeups[putterID] == wake {
			delete(q.wakeups, putterID)
		}
		if err == nil && isClosedChan(wake) {
			err = ErrWokenUp
		}
		q.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

// TryPut adds elem only if there is space, it never blocks
func (q *Queue[T]) TryPut(elem T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) >= q.capacity {
		return false
	}

	q.items = append(q.items, elem)
	q.signalAvailableLocked()
	return true
}

// Poll removes and returns the oldest element, ok is false when the queue is empty
func (q *Queue[T]) Poll() (elem T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return elem, false
	}

	elem = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]

	if len(q.items) == 0 && !q.closed {
		q.available = make(chan struct{})
		q.availableClosed = false
	}

	close(q.space)
	q.space = make(chan struct{})

	return elem, true
}

// Available returns a channel that is closed once the queue holds data or is closed
func (q *Queue[T]) Available() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.available
}

// WakeUpPutter makes a Put of putterID that is blocked on a full queue return ErrWokenUp.
// A putter that is not waiting is unaffected, cancel its context to stop it from blocking.
func (q *Queue[T]) WakeUpPutter(putterID int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wake, ok := q.wakeups[putterID]
	if !ok {
		return
	}

	delete(q.wakeups, putterID)
	close(wake)
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) IsEmpty() bool {
	return q.Size() == 0
}

func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

// Close releases blocked putters and the consumer. Elements already queued can still be polled.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.space)
	q.space = make(chan struct{})
	q.signalAvailableLocked()
}

func (q *Queue[T]) signalAvailableLocked() {
	if !q.availableClosed {
		close(q.available)
		q.availableClosed = true
	}
}

func isClosedChan(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
