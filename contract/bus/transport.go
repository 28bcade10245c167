package bus

import "context"

// TransportEvents are the callbacks a transport reports connection changes through.
// A transport must call OnOpen once the connection is usable and OnClose when it is lost
// (err is nil after a requested Close).
type TransportEvents struct {
	OnOpen  func()
	OnClose func(err error)
}

// Transport is the externally supplied connection the active delegate owns exclusively.
// Wire framing, heartbeats and security are the transport's business.
//
// Send, Publish, Subscribe and Unsubscribe must not invoke callbacks synchronously: the delegate
// calls them while holding its own lock to keep delivery order. Open may report through events
// from any goroutine, including before it returns.
type Transport interface {
	// Open starts a connection attempt. A returned error means the attempt never started;
	// otherwise the outcome is reported through events.
	Open(ctx context.Context, events TransportEvents) error
	// Close terminates the current connection, if any. The transport may be opened again later.
	Close() error
	// State reports the transport's own view of the connection.
	State() ReadyState

	Send(ctx context.Context, address string, body any, headers map[string]string, reply ReplyFunc) error
	Publish(ctx context.Context, address string, body any, headers map[string]string) error

	// Subscribe routes every message for address to deliver. Subscribing an address twice replaces
	// the previous route.
	Subscribe(address string, deliver func(Message)) error
	Unsubscribe(address string) error
}
