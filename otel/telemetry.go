package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/go-fetcher"

// Telemetry holds all OpenTelemetry instruments of the fetchers, the manager and the source reader
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	// Lifecycle metrics
	FetchersActive  metric.Int64UpDownCounter
	FetchersCreated metric.Int64Counter
	FetcherStarts   metric.Int64Counter

	// Fetch metrics
	FetchDuration  metric.Float64Histogram
	RecordsFetched metric.Int64Counter
	HandoffWait    metric.Float64Histogram

	// Acknowledgment metrics
	Acknowledgments metric.Int64Counter
	AckDuration     metric.Float64Histogram

	// Source reader metrics
	ProcessDuration metric.Float64Histogram
	ErrorDecisions  metric.Int64Counter
	Checkpoints     metric.Int64Counter
}

// instruments creates instruments on one meter, keeping every creation error
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (i *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := i.meter.Int64Counter(name, metric.WithDescription(desc))
	i.errs = append(i.errs, err)
	return c
}

func (i *instruments) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	c, err := i.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	i.errs = append(i.errs, err)
	return c
}

// seconds creates a duration histogram
func (i *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := i.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	i.errs = append(i.errs, err)
	return h
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(
	tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator,
) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if prop == nil {
		prop = propagation.NewCompositeTextMapPropagator()
	}

	in := &instruments{meter: mp.Meter(scopeName)}
	t := &Telemetry{
		Tracer:     tp.Tracer(scopeName),
		Propagator: prop,

		FetchersActive:  in.upDownCounter("fetcher.active", "Live fetchers"),
		FetchersCreated: in.counter("fetcher.created", "Fetchers created, replacements included"),
		FetcherStarts:   in.counter("fetcher.starts", "Underlying fetcher start calls issued by the manager"),

		FetchDuration:  in.seconds("fetcher.fetch.duration", "Time per Fetch() call"),
		RecordsFetched: in.counter("messaging.consumer.messages", "Records fetched"),
		HandoffWait:    in.seconds("fetcher.handoff.wait", "Time spent blocked handing a batch to the queue"),

		Acknowledgments: in.counter("fetcher.acknowledgments", "Acknowledgments delivered to the broker"),
		AckDuration:     in.seconds("fetcher.acknowledgment.duration", "Time per broker acknowledgment"),

		ProcessDuration: in.seconds("fetcher.reader.process.duration", "Time the record handler spent per record"),
		ErrorDecisions:  in.counter("fetcher.reader.error_decisions", "Error handler decisions on failed records"),
		Checkpoints:     in.counter("fetcher.reader.checkpoints", "Checkpoints acknowledged through the manager"),
	}

	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Noop returns a Telemetry instance with all noop instruments
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil, nil)
	return t
}
