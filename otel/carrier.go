package otel

import (
	"context"

	"github.com/hugolhafner/go-fetcher/kafka"
)

// HeadersCarrier adapts record headers to a propagation.TextMapCarrier
type HeadersCarrier struct {
	Headers *[]kafka.Header
}

func NewHeadersCarrier(headers *[]kafka.Header) HeadersCarrier {
	return HeadersCarrier{Headers: headers}
}

func (c HeadersCarrier) Get(key string) string {
	for _, h := range *c.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c HeadersCarrier) Set(key, value string) {
	// duplicate keys are legal in Kafka, overwrite every match
	found := false
	for i, h := range *c.Headers {
		if h.Key == key {
			(*c.Headers)[i].Value = []byte(value)
			found = true
		}
	}

	if !found {
		*c.Headers = append(*c.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}
}

func (c HeadersCarrier) Keys() []string {
	keys := make([]string, len(*c.Headers))
	for i, h := range *c.Headers {
		keys[i] = h.Key
	}
	return keys
}

// RecordContext returns ctx enriched with any trace context carried in the record headers
func (t *Telemetry) RecordContext(ctx context.Context, rec *kafka.ConsumerRecord) context.Context {
	return t.Propagator.Extract(ctx, NewHeadersCarrier(&rec.Headers))
}
