package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fetcher"

// Source is the live state exported as gauges
type Source interface {
	FetcherCount() int
	QueueSize() int
	QueueCapacity() int
	PendingPartitions() int
}

// Register adds gauges sampling src on every scrape
func Register(reg prometheus.Registerer, src Source) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_fetchers",
				Help:      "Fetchers currently live in the pool.",
			}, func() float64 { return float64(src.FetcherCount()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "batches",
				Help:      "Batches waiting in the handoff queue.",
			}, func() float64 { return float64(src.QueueSize()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "capacity",
				Help:      "Capacity of the handoff queue in batches.",
			}, func() float64 { return float64(src.QueueCapacity()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "checkpoint",
				Name:      "pending_partitions",
				Help:      "Partitions with positions not yet acknowledged.",
			}, func() float64 { return float64(src.PendingPartitions()) },
		),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Server serves the registry on path until ctx is done
type Server struct {
	srv *http.Server
}

func NewServer(addr, path string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run blocks until ctx is done or the listener fails
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
