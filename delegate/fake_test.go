package delegate

import (
	"context"
	"encoding/json"
	"sync"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

type record struct {
	kind    string
	address string
	body    any
	headers map[string]string
	reply   cbus.ReplyFunc
}

// fakeTransport is driven by the test: nothing opens or drops until accept/drop is called.
type fakeTransport struct {
	mu      sync.Mutex
	state   cbus.ReadyState
	events  cbus.TransportEvents
	opens   int
	closes  int
	sent    []record
	subs    map[string]func(cbus.Message)
	sendErr error
	openErr error
	// closeHook runs once, outside the lock, at the start of the next Close.
	closeHook func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: cbus.Closed, subs: make(map[string]func(cbus.Message))}
}

func (f *fakeTransport) Open(_ context.Context, ev cbus.TransportEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	if f.openErr != nil {
		return f.openErr
	}

	f.events = ev
	f.state = cbus.Connecting

	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	hook := f.closeHook
	f.closeHook = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++
	f.state = cbus.Closed
	f.subs = make(map[string]func(cbus.Message))

	return nil
}

func (f *fakeTransport) State() cbus.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *fakeTransport) Send(
	_ context.Context,
	address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, record{kind: "send", address: address, body: body, headers: headers, reply: reply})

	return nil
}

func (f *fakeTransport) Publish(_ context.Context, address string, body any, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, record{kind: "publish", address: address, body: body, headers: headers})

	return nil
}

func (f *fakeTransport) Subscribe(address string, deliver func(cbus.Message)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subs[address] = deliver

	return nil
}

func (f *fakeTransport) Unsubscribe(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs, address)

	return nil
}

// accept completes the latest Open.
func (f *fakeTransport) accept() {
	f.mu.Lock()
	f.state = cbus.Open
	ev := f.events
	f.mu.Unlock()

	ev.OnOpen()
}

// drop reports a lost connection through the latest events.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.state = cbus.Closed
	f.subs = make(map[string]func(cbus.Message))
	ev := f.events
	f.mu.Unlock()

	ev.OnClose(err)
}

// vanish loses the connection without telling anyone.
func (f *fakeTransport) vanish() {
	f.mu.Lock()
	f.state = cbus.Closed
	f.subs = make(map[string]func(cbus.Message))
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(address, body string) bool {
	f.mu.Lock()
	fn := f.subs[address]
	f.mu.Unlock()

	if fn == nil {
		return false
	}

	fn(cbus.NewMessage(address, "", nil, json.RawMessage(body), nil))

	return true
}

func (f *fakeTransport) records() []record {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]record, len(f.sent))
	copy(out, f.sent)

	return out
}

func (f *fakeTransport) bodies(address string) []any {
	var out []any

	for _, r := range f.records() {
		if r.address == address {
			out = append(out, r.body)
		}
	}

	return out
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opens
}

func (f *fakeTransport) subscribed(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.subs[address]

	return ok
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) onNextClose(fn func()) {
	f.mu.Lock()
	f.closeHook = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func testOptions() cbus.Options {
	return cbus.Options{
		Enabled:        true,
		Prefix:         "test.",
		BufferCapacity: 10,
	}
}
