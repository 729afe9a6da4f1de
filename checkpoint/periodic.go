package checkpoint

import (
	"sync"
	"time"
)

var _ Trigger = (*PeriodicTrigger)(nil)

type PeriodicConfig struct {
	MaxInterval time.Duration
	MaxCount    int
}

type PeriodicOption func(*PeriodicConfig)

func WithMaxInterval(d time.Duration) PeriodicOption {
	return func(cfg *PeriodicConfig) {
		if d > 0 {
			cfg.MaxInterval = d
		}
	}
}

func WithMaxCount(c int) PeriodicOption {
	return func(cfg *PeriodicConfig) {
		if c > 0 {
			cfg.MaxCount = c
		}
	}
}

// PeriodicTrigger fires after MaxCount emitted records, or once MaxInterval passed since the
// last checkpoint while records are outstanding. Signals coalesce, at most one is pending.
type PeriodicTrigger struct {
	cfg PeriodicConfig

	mu    sync.Mutex
	count int
	last  time.Time

	ch   chan struct{}
	stop chan struct{}
	once sync.Once
}

func NewPeriodicTrigger(opts ...PeriodicOption) *PeriodicTrigger {
	cfg := PeriodicConfig{
		MaxInterval: 5 * time.Second,
		MaxCount:    100,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	t := &PeriodicTrigger{
		cfg:  cfg,
		last: time.Now(),
		ch:   make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	go t.tick()
	return t
}

func (t *PeriodicTrigger) RecordsEmitted(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count += count
	if t.count >= t.cfg.MaxCount || (t.count > 0 && time.Since(t.last) >= t.cfg.MaxInterval) {
		t.fireLocked()
	}
}

func (t *PeriodicTrigger) C() <-chan struct{} {
	return t.ch
}

// Close stops the interval timer, a pending signal stays readable
func (t *PeriodicTrigger) Close() {
	t.once.Do(func() { close(t.stop) })
}

func (t *PeriodicTrigger) tick() {
	ticker := time.NewTicker(t.cfg.MaxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.count > 0 && time.Since(t.last) >= t.cfg.MaxInterval {
				t.fireLocked()
			}
			t.mu.Unlock()
		}
	}
}

func (t *PeriodicTrigger) fireLocked() {
	select {
	case t.ch <- struct{}{}:
	default:
	}

	t.count = 0
	t.last = time.Now()
}
