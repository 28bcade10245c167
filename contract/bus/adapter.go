package bus

import "context"

// Adapter is the capability contract every delegate satisfies.
// Callers never see a concrete delegate: the facade holds exactly one Adapter for its lifetime.
type Adapter interface {
	Connect()
	Reconnect()
	Close()

	Login(username, password string, reply ReplyFunc)

	// Send issues a point-to-point request; at most one reply arrives through reply.
	// Immediate failures are reported to failure and returned.
	Send(ctx context.Context, address string, body any, reply ReplyFunc, failure FailureFunc) error
	// Publish broadcasts body to every handler of address. No reply.
	Publish(ctx context.Context, address string, body any) error

	RegisterHandler(address string, h Handler)
	// UnregisterHandler removes h from address; a pair that was never registered is a no-op.
	UnregisterHandler(address string, h Handler)

	ReadyState() ReadyState
	GetOptions() Options

	// OnOpen and OnClose register lifecycle observers. The returned func removes the observer.
	OnOpen(fn func()) (cancel func())
	OnClose(fn func()) (cancel func())
}
