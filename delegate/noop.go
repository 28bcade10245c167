package delegate

import (
	"context"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

// Noop satisfies the capability contract without any network activity.
// It backs the facade when the event bus is disabled.
type Noop struct {
	opts cbus.Options
}

var _ cbus.Adapter = (*Noop)(nil)

// NewNoop returns a disabled delegate reporting opts from GetOptions.
func NewNoop(opts cbus.Options) *Noop { return &Noop{opts: opts} }

// Connect does nothing.
func (*Noop) Connect() {}

// Reconnect does nothing.
func (*Noop) Reconnect() {}

// Close does nothing.
func (*Noop) Close() {}

// Login never calls reply.
func (*Noop) Login(string, string, cbus.ReplyFunc) {}

// RegisterHandler records nothing; the handler is never called.
func (*Noop) RegisterHandler(string, cbus.Handler) {}

// UnregisterHandler does nothing.
func (*Noop) UnregisterHandler(string, cbus.Handler) {}

// ReadyState is always Closed.
func (*Noop) ReadyState() cbus.ReadyState { return cbus.Closed }

// GetOptions returns the options the delegate was built with.
func (n *Noop) GetOptions() cbus.Options { return n.opts }

// OnOpen never calls fn.
func (*Noop) OnOpen(func()) (cancel func()) { return func() {} }

// OnClose never calls fn.
func (*Noop) OnClose(func()) (cancel func()) { return func() {} }

// Send drops the message and reports success.
func (*Noop) Send(context.Context, string, any, cbus.ReplyFunc, cbus.FailureFunc) error {
	return nil
}

// Publish drops the message and reports success.
func (*Noop) Publish(context.Context, string, any) error { return nil }
