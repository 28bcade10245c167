package servicebus_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
	"github.com/next-trace/scg-eventbus/delegate"
	"github.com/next-trace/scg-eventbus/servicebus"
)

// fakes

type call struct {
	op      string
	address string
}

type fakeAdapter struct {
	opts     cbus.Options
	calls    []call
	err      error
	panicOn  string
	loginErr error
	events   []func(cbus.Event)
	cleared  int
}

func (f *fakeAdapter) record(op, address string) {
	f.calls = append(f.calls, call{op: op, address: address})

	if f.panicOn == op {
		panic("boom in " + op)
	}
}

func (f *fakeAdapter) Connect()   { f.record("connect", "") }
func (f *fakeAdapter) Reconnect() { f.record("reconnect", "") }
func (f *fakeAdapter) Close()     { f.record("close", "") }

func (f *fakeAdapter) Login(u, _ string, reply cbus.ReplyFunc) {
	f.record("login", u)
	reply(cbus.Message{}, f.loginErr)
}

func (f *fakeAdapter) Send(_ context.Context, address string, _ any, _ cbus.ReplyFunc, _ cbus.FailureFunc) error {
	f.record("send", address)
	return f.err
}

func (f *fakeAdapter) Publish(_ context.Context, address string, _ any) error {
	f.record("publish", address)
	return f.err
}

func (f *fakeAdapter) RegisterHandler(address string, _ cbus.Handler)   { f.record("register", address) }
func (f *fakeAdapter) UnregisterHandler(address string, _ cbus.Handler) { f.record("unregister", address) }
func (f *fakeAdapter) ReadyState() cbus.ReadyState                      { return cbus.Open }
func (f *fakeAdapter) GetOptions() cbus.Options                         { return f.opts }
func (f *fakeAdapter) OnOpen(func()) (cancel func())                    { return func() {} }
func (f *fakeAdapter) OnClose(func()) (cancel func())                   { return func() {} }

func (f *fakeAdapter) Observe(fn func(cbus.Event)) (cancel func()) {
	f.events = append(f.events, fn)
	return func() {}
}

func (f *fakeAdapter) ClearBuffer() { f.cleared++ }

func newLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func Test_ForwardsEveryCall(t *testing.T) {
	f := &fakeAdapter{}
	b := servicebus.New(f, nil)
	h := cbus.Handle(func(cbus.Message) {})

	b.Connect()
	b.On("a", h)
	b.RegisterHandler("b", h)
	_ = b.Send(context.Background(), "c", 1, nil, nil)
	_ = b.Emit(context.Background(), "d", 1)
	_ = b.Publish(context.Background(), "e", 1)
	b.Un("a", h)
	b.UnregisterHandler("b", h)
	b.Login("bob", "pw", nil)
	b.Reconnect()
	b.Close()

	want := []call{
		{"connect", ""}, {"register", "a"}, {"register", "b"}, {"send", "c"}, {"publish", "d"},
		{"publish", "e"}, {"unregister", "a"}, {"unregister", "b"}, {"login", "bob"},
		{"reconnect", ""}, {"close", ""},
	}
	if len(f.calls) != len(want) {
		t.Fatalf("calls: got %v want %v", f.calls, want)
	}

	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("call %d: got %v want %v", i, f.calls[i], want[i])
		}
	}

	if b.ReadyState() != cbus.Open {
		t.Fatalf("ready state not forwarded")
	}

	if b.Delegate() != f {
		t.Fatalf("delegate not exposed")
	}
}

func Test_ErrorsReturnedUnchanged(t *testing.T) {
	sentinel := errors.New("send x: " + berr.ErrBufferFull.Error())
	f := &fakeAdapter{err: sentinel}
	b := servicebus.New(f, nil)

	if err := b.Send(context.Background(), "x", 1, nil, nil); err != sentinel { //nolint:errorlint
		t.Fatalf("send error rewritten: %v", err)
	}

	if err := b.Publish(context.Background(), "x", 1); err != sentinel { //nolint:errorlint
		t.Fatalf("publish error rewritten: %v", err)
	}
}

func Test_DebugLoggingFollowsOptions(t *testing.T) {
	logger, buf := newLogger()
	f := &fakeAdapter{err: berr.ErrTransportError}
	b := servicebus.New(f, logger)

	_ = b.Send(context.Background(), "quiet", 1, nil, nil)
	if buf.Len() != 0 {
		t.Fatalf("logged without debug: %q", buf.String())
	}

	f.opts.Debug = true
	_ = b.Send(context.Background(), "loud", 1, nil, nil)

	if !strings.Contains(buf.String(), "address=loud") {
		t.Fatalf("expected debug log, got %q", buf.String())
	}
}

func Test_LoginReplyPassesThrough(t *testing.T) {
	f := &fakeAdapter{loginErr: berr.ErrLoginFailed}
	b := servicebus.New(f, nil)

	var got error

	b.Login("bob", "pw", func(_ cbus.Message, err error) { got = err })

	if !errors.Is(got, berr.ErrLoginFailed) {
		t.Fatalf("login error: %v", got)
	}
}

func Test_PanicsAreLoggedAndRepanicked(t *testing.T) {
	logger, buf := newLogger()
	f := &fakeAdapter{panicOn: "register"}
	b := servicebus.New(f, logger)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("panic swallowed")
		}

		if !strings.Contains(buf.String(), "op=RegisterHandler") {
			t.Fatalf("panic not logged: %q", buf.String())
		}
	}()

	b.RegisterHandler("a", cbus.Handle(func(cbus.Message) {}))
}

func Test_OptionalCapabilities(t *testing.T) {
	f := &fakeAdapter{}
	b := servicebus.New(f, nil)

	b.Observe(func(cbus.Event) {})
	b.ClearBuffer()

	if len(f.events) != 1 || f.cleared != 1 {
		t.Fatalf("optional capabilities not forwarded: observers=%d cleared=%d", len(f.events), f.cleared)
	}
}

func Test_DisabledFacadeIsInert(t *testing.T) {
	b := servicebus.New(delegate.NewNoop(cbus.Options{Prefix: "x."}), nil)
	called := false

	b.Connect()
	b.On("a", cbus.Handle(func(cbus.Message) { called = true }))
	b.Observe(func(cbus.Event) { called = true })()
	b.ClearBuffer()

	if err := b.Send(context.Background(), "a", 1, func(cbus.Message, error) { called = true }, nil); err != nil {
		t.Fatalf("send on disabled bus: %v", err)
	}

	if err := b.Emit(context.Background(), "a", 1); err != nil {
		t.Fatalf("emit on disabled bus: %v", err)
	}

	if called {
		t.Fatalf("disabled bus invoked a callback")
	}

	if b.ReadyState() != cbus.Closed {
		t.Fatalf("disabled bus state: %s", b.ReadyState())
	}

	if b.GetOptions().Prefix != "x." {
		t.Fatalf("options not forwarded")
	}
}
