package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// Broker is an in-process message bus for tests and examples. Transports attach to it and
// exchange messages by address: Publish reaches every subscribed transport, Send reaches one
// (round robin) and carries a reply route back to the sender.
//
// All deliveries and connection callbacks run on one dispatcher goroutine in the order they
// were produced, never on the caller's goroutine.
type Broker struct {
	mu        sync.Mutex
	attached  []*Transport
	next      map[string]int
	down      bool
	closed    bool
	queue     []func()
	wake      *sync.Cond
	done      chan struct{}
	delivered int
}

// NewBroker starts a broker. Call Close to stop its dispatcher.
func NewBroker() *Broker {
	b := &Broker{next: make(map[string]int), done: make(chan struct{})}
	b.wake = sync.NewCond(&b.mu)

	go b.run()

	return b
}

func (b *Broker) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.wake.Wait()
		}

		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}

		fn := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		fn()
	}
}

func (b *Broker) enqueueLocked(fn func()) {
	if b.closed {
		return
	}

	b.queue = append(b.queue, fn)
	b.wake.Signal()
}

// Close drains pending deliveries and stops the dispatcher.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.wake.Broadcast()
	b.mu.Unlock()

	<-b.done
}

// SetDown makes the broker refuse new connections while down is true.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Drop disconnects every attached transport as if the network had failed.
func (b *Broker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.attached {
		t.detachLocked()

		onClose := t.events.OnClose
		b.enqueueLocked(func() { onClose(fmt.Errorf("inmemory: %w", berr.ErrTransportUnavailable)) })
	}

	b.attached = nil
}

// Delivered reports how many messages reached a subscriber.
func (b *Broker) Delivered() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.delivered
}

func (b *Broker) detachLocked(t *Transport) {
	for i, a := range b.attached {
		if a == t {
			b.attached = append(b.attached[:i], b.attached[i+1:]...)
			return
		}
	}
}

func (b *Broker) subscribersLocked(address string) []func(cbus.Message) {
	var out []func(cbus.Message)

	for _, t := range b.attached {
		if fn, ok := t.subs[address]; ok {
			out = append(out, fn)
		}
	}

	return out
}

// Transport attaches one delegate to a Broker.
type Transport struct {
	b      *Broker
	ov     *cbus.Overrides
	state  cbus.ReadyState
	events cbus.TransportEvents
	subs   map[string]func(cbus.Message)
}

var _ cbus.Transport = (*Transport)(nil)

// NewTransport returns a closed transport on b.
func NewTransport(b *Broker) *Transport {
	return &Transport{b: b, state: cbus.Closed, subs: make(map[string]func(cbus.Message))}
}

// WithOverrides makes t supply instance-level option overrides.
func (t *Transport) WithOverrides(ov cbus.Overrides) *Transport {
	t.ov = &ov
	return t
}

// OptionOverrides implements bus.OverridesProvider.
func (t *Transport) OptionOverrides() cbus.Overrides {
	if t.ov == nil {
		return cbus.Overrides{}
	}

	return *t.ov
}

// Open attaches t to the broker and reports OnOpen asynchronously.
func (t *Transport) Open(ctx context.Context, events cbus.TransportEvents) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.b.closed || t.b.down {
		return fmt.Errorf("inmemory open: %w", berr.ErrTransportUnavailable)
	}

	t.b.detachLocked(t)
	t.events = events
	t.state = cbus.Connecting
	t.subs = make(map[string]func(cbus.Message))
	t.b.attached = append(t.b.attached, t)

	t.b.enqueueLocked(func() {
		t.b.mu.Lock()
		if t.state != cbus.Connecting || t.events.OnOpen == nil {
			t.b.mu.Unlock()
			return
		}

		t.state = cbus.Open
		onOpen := t.events.OnOpen
		t.b.mu.Unlock()

		onOpen()
	})

	return nil
}

// Close detaches t from the broker without reporting through OnClose.
func (t *Transport) Close() error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	t.detachLocked()

	return nil
}

func (t *Transport) detachLocked() {
	t.b.detachLocked(t)
	t.state = cbus.Closed
	t.subs = make(map[string]func(cbus.Message))
}

// State reports whether t is attached to the broker.
func (t *Transport) State() cbus.ReadyState {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	return t.state
}

// Send delivers body to one subscriber of address, round robin.
func (t *Transport) Send(
	ctx context.Context,
	address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := cbus.Marshal(body)
	if err != nil {
		return fmt.Errorf("inmemory send %s: %w", address, err)
	}

	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.state != cbus.Open {
		return fmt.Errorf("inmemory send %s: %w", address, berr.ErrTransportUnavailable)
	}

	subs := t.b.subscribersLocked(address)
	if len(subs) == 0 {
		return fmt.Errorf("inmemory send %s: %w", address, berr.ErrAddressNotFound)
	}

	i := t.b.next[address] % len(subs)
	t.b.next[address] = i + 1

	var (
		replyAddress string
		replyFn      func(any) error
	)

	if reply != nil {
		replyAddress = "__reply." + uuid.NewString()
		replyFn = t.replier(replyAddress, reply)
	}

	msg := cbus.NewMessage(address, replyAddress, headers, raw, replyFn)
	deliver := subs[i]

	t.b.delivered++
	t.b.enqueueLocked(func() { deliver(msg) })

	return nil
}

// replier routes a handler's answer back to reply, once.
func (t *Transport) replier(address string, reply cbus.ReplyFunc) func(any) error {
	var once sync.Once

	return func(body any) error {
		raw, err := cbus.Marshal(body)
		if err != nil {
			return fmt.Errorf("inmemory reply %s: %w", address, err)
		}

		t.b.mu.Lock()
		defer t.b.mu.Unlock()

		if t.b.closed {
			return fmt.Errorf("inmemory reply %s: %w", address, berr.ErrTransportUnavailable)
		}

		once.Do(func() {
			t.b.enqueueLocked(func() { reply(cbus.NewMessage(address, "", nil, raw, nil), nil) })
		})

		return nil
	}
}

// Publish delivers body to every subscriber of address.
func (t *Transport) Publish(ctx context.Context, address string, body any, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := cbus.Marshal(body)
	if err != nil {
		return fmt.Errorf("inmemory publish %s: %w", address, err)
	}

	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.state != cbus.Open {
		return fmt.Errorf("inmemory publish %s: %w", address, berr.ErrTransportUnavailable)
	}

	for _, deliver := range t.b.subscribersLocked(address) {
		msg := cbus.NewMessage(address, "", headers, raw, nil)

		t.b.delivered++
		t.b.enqueueLocked(func() { deliver(msg) })
	}

	return nil
}

// Subscribe routes address to deliver, replacing any previous route.
func (t *Transport) Subscribe(address string, deliver func(cbus.Message)) error {
	if deliver == nil {
		return errors.New("inmemory subscribe: nil deliver")
	}

	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.state != cbus.Open {
		return fmt.Errorf("inmemory subscribe %s: %w", address, berr.ErrTransportUnavailable)
	}

	t.subs[address] = deliver

	return nil
}

// Unsubscribe removes the route for address.
func (t *Transport) Unsubscribe(address string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	delete(t.subs, address)

	return nil
}
