package servicebus

import (
	"context"
	"log/slog"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

// Bus is the single entry point callers use. It forwards every call to the delegate chosen at
// construction (active or no-op) and never swallows what the delegate reports: errors are returned
// unchanged, panics are logged and re-raised.
//
// Bus holds no state of its own beyond the delegate and is safe for concurrent use when the
// delegate is.
type Bus struct {
	d      cbus.Adapter
	logger *slog.Logger
}

var _ cbus.Adapter = (*Bus)(nil)

// observable is implemented by delegates that report every lifecycle event.
type observable interface {
	Observe(fn func(cbus.Event)) (cancel func())
}

type clearable interface {
	ClearBuffer()
}

// New wraps d. A nil logger falls back to slog.Default().
func New(d cbus.Adapter, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{d: d, logger: logger}
}

// Delegate returns the wrapped delegate.
func (b *Bus) Delegate() cbus.Adapter { return b.d }

// Connect starts connecting the delegate's transport.
func (b *Bus) Connect() {
	defer b.rethrow("Connect")
	b.d.Connect()
}

// Reconnect drops the current connection and opens a new one.
func (b *Bus) Reconnect() {
	defer b.rethrow("Reconnect")
	b.d.Reconnect()
}

// Close closes the connection; later sends fail until Connect.
func (b *Bus) Close() {
	defer b.rethrow("Close")
	b.d.Close()
}

// Login authenticates the connection through the configured login interceptor.
func (b *Bus) Login(username, password string, reply cbus.ReplyFunc) {
	defer b.rethrow("Login")
	b.d.Login(username, password, func(msg cbus.Message, err error) {
		if err != nil {
			b.debug("login", "", err)
		}

		if reply != nil {
			reply(msg, err)
		}
	})
}

// Send issues a point-to-point request. reply receives the answer; failure receives errors that
// happen after Send returned (for example when a buffered entry is dropped on flush).
func (b *Bus) Send(
	ctx context.Context,
	address string,
	body any,
	reply cbus.ReplyFunc,
	failure cbus.FailureFunc,
) error {
	defer b.rethrow("Send")

	err := b.d.Send(ctx, address, body, reply, failure)
	if err != nil {
		b.debug("send", address, err)
	}

	return err
}

// Publish broadcasts body to every handler of address.
func (b *Bus) Publish(ctx context.Context, address string, body any) error {
	defer b.rethrow("Publish")

	err := b.d.Publish(ctx, address, body)
	if err != nil {
		b.debug("publish", address, err)
	}

	return err
}

// Emit is an alias for Publish.
func (b *Bus) Emit(ctx context.Context, address string, body any) error {
	return b.Publish(ctx, address, body)
}

// RegisterHandler adds h to address. Registrations survive reconnects.
func (b *Bus) RegisterHandler(address string, h cbus.Handler) {
	defer b.rethrow("RegisterHandler")
	b.d.RegisterHandler(address, h)
}

// On is an alias for RegisterHandler.
func (b *Bus) On(address string, h cbus.Handler) { b.RegisterHandler(address, h) }

// UnregisterHandler removes h from address. Unknown pairs are ignored.
func (b *Bus) UnregisterHandler(address string, h cbus.Handler) {
	defer b.rethrow("UnregisterHandler")
	b.d.UnregisterHandler(address, h)
}

// Un is an alias for UnregisterHandler.
func (b *Bus) Un(address string, h cbus.Handler) { b.UnregisterHandler(address, h) }

// ReadyState reports the delegate's connection state.
func (b *Bus) ReadyState() cbus.ReadyState { return b.d.ReadyState() }

// GetOptions returns a copy of the delegate's options.
func (b *Bus) GetOptions() cbus.Options { return b.d.GetOptions() }

// OnOpen calls fn whenever the connection opens.
func (b *Bus) OnOpen(fn func()) (cancel func()) { return b.d.OnOpen(fn) }

// OnClose calls fn whenever an open connection closes.
func (b *Bus) OnClose(fn func()) (cancel func()) { return b.d.OnClose(fn) }

// Observe subscribes fn to every lifecycle event. Delegates without events (the no-op one)
// never call fn.
func (b *Bus) Observe(fn func(cbus.Event)) (cancel func()) {
	if o, ok := b.d.(observable); ok {
		return o.Observe(fn)
	}

	return func() {}
}

// ClearBuffer aborts every held send and publish.
func (b *Bus) ClearBuffer() {
	if c, ok := b.d.(clearable); ok {
		defer b.rethrow("ClearBuffer")
		c.ClearBuffer()
	}
}

func (b *Bus) debug(op, address string, err error) {
	if !b.d.GetOptions().Debug {
		return
	}

	b.logger.Debug("eventbus: "+op+" failed", "address", address, "err", err)
}

func (b *Bus) rethrow(op string) {
	if r := recover(); r != nil {
		b.logger.Error("eventbus: delegate panicked", "op", op, "panic", r)
		panic(r)
	}
}
