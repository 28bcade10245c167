package bus

import "context"

// HeaderPropagator injects request-scoped context (trace ids, baggage) into outgoing headers.
// The delegate calls it for every send and publish, including buffered ones at enqueue time,
// so the headers reflect the caller's context rather than the flush goroutine's.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}
