package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

// TracePropagator writes W3C trace context and baggage into message headers.
type TracePropagator struct {
	p propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = (*TracePropagator)(nil)

// NewTracePropagator wraps p, falling back to the global propagator when p is nil.
func NewTracePropagator(p propagation.TextMapPropagator) *TracePropagator {
	if p == nil {
		p = otel.GetTextMapPropagator()
	}

	return &TracePropagator{p: p}
}

// DefaultTracePropagator propagates trace context and baggage regardless of the global setting.
func DefaultTracePropagator() *TracePropagator {
	return NewTracePropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func (t *TracePropagator) Inject(ctx context.Context, headers map[string]string) {
	t.p.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx carrying the trace context found in a received message.
func (t *TracePropagator) Extract(ctx context.Context, m cbus.Message) context.Context {
	if len(m.Headers) == 0 {
		return ctx
	}

	return t.p.Extract(ctx, propagation.MapCarrier(m.Headers))
}
