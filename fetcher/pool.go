package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/go-fetcher/kafka"
	"github.com/hugolhafner/go-fetcher/logger"
	"github.com/hugolhafner/go-fetcher/queue"
	"github.com/puzpuzpuz/xsync/v4"
)

// Pool creates fetchers and tracks the live ones.
// A fetcher leaves the pool when it is removed or when its loop exits on its own.
type Pool struct {
	factory kafka.ReaderFactory
	queue   *queue.Queue[kafka.Batch]
	config  Config
	logger  logger.Logger

	live   *xsync.Map[ID, *Fetcher]
	nextID atomic.Int64

	// onExit is called from the fetcher goroutine after a live fetcher left the pool
	onExit func(ID)
}

func NewPool(factory kafka.ReaderFactory, q *queue.Queue[kafka.Batch], config Config, onExit func(ID)) *Pool {
	return &Pool{
		factory: factory,
		queue:   q,
		config:  config,
		logger:  config.Logger.With("component", "fetcher-pool"),
		live:    xsync.NewMap[ID, *Fetcher](),
		onExit:  onExit,
	}
}

// CreateFetcher builds a fetcher around a new reader. The fetcher is live but not started.
func (p *Pool) CreateFetcher() (ID, *Fetcher, error) {
	reader, err := p.factory()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create reader: %w", err)
	}

	id := ID(p.nextID.Add(1) - 1)
	f := newFetcher(id, reader, p.queue, p.config, p.handleExit)
	p.live.Store(id, f)

	p.config.Telemetry.FetchersCreated.Add(context.Background(), 1)
	p.config.Telemetry.FetchersActive.Add(context.Background(), 1)
	p.logger.Debug("Fetcher created", "fetcher_id", int(id))

	return id, f, nil
}

// Get returns the fetcher only while it is live
func (p *Pool) Get(id ID) (*Fetcher, bool) {
	return p.live.Load(id)
}

func (p *Pool) Start(f *Fetcher) {
	f.Start()
}

// Remove takes the fetcher out of the pool and shuts it down
func (p *Pool) Remove(id ID) (*Fetcher, bool) {
	f, ok := p.live.LoadAndDelete(id)
	if !ok {
		return nil, false
	}

	p.config.Telemetry.FetchersActive.Add(context.Background(), -1)
	f.Shutdown()
	return f, true
}

func (p *Pool) Len() int {
	return p.live.Size()
}

// Close shuts every live fetcher down and waits up to timeout for each one to stop
func (p *Pool) Close(timeout time.Duration) error {
	var stopped []*Fetcher
	p.live.Range(
		func(id ID, _ *Fetcher) bool {
			if f, ok := p.Remove(id); ok {
				stopped = append(stopped, f)
			}
			return true
		},
	)

	var errs []error
	for _, f := range stopped {
		if err := f.WaitForStop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Pool) handleExit(f *Fetcher) {
	if _, ok := p.live.LoadAndDelete(f.ID()); !ok {
		return
	}

	p.config.Telemetry.FetchersActive.Add(context.Background(), -1)
	p.logger.Debug("Fetcher exited", "fetcher_id", int(f.ID()))

	if p.onExit != nil {
		p.onExit(f.ID())
	}
}
