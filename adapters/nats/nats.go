package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// statusNoResponders is the status header NATS puts on a request nobody listens to.
const statusNoResponders = "503"

// Msg is a message as seen by the transport, decoupled from any concrete library.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Headers map[string]string
}

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Client is a minimal NATS-like connection interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
// Handlers passed to Subscribe must be invoked asynchronously.
type Client interface {
	Publish(subject, reply string, data []byte, headers map[string]string) error
	Subscribe(subject string, fn func(Msg)) (Subscription, error)
	NewInbox() string
	Status() cbus.ReadyState
	Close()
}

// Dialer connects a Client. lost must be called once if the connection ends without Close.
type Dialer func(ctx context.Context, lost func(error)) (Client, error)

// Transport maps event bus addresses one to one onto NATS subjects. Point-to-point sends with a
// reply handler become requests answered on a private inbox.
type Transport struct {
	dial Dialer

	mu     sync.Mutex
	client Client
	state  cbus.ReadyState
	gen    uint64
	subs   map[string]Subscription
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a transport connecting through dial on every Open.
func New(dial Dialer) *Transport {
	return &Transport{dial: dial, state: cbus.Closed, subs: make(map[string]Subscription)}
}

// Open dials in the background and reports the outcome through events.
func (t *Transport) Open(ctx context.Context, events cbus.TransportEvents) error {
	if t.dial == nil {
		return fmt.Errorf("nats open: no dialer: %w", berr.ErrTransportUnavailable)
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	old := t.client
	t.client = nil
	t.state = cbus.Connecting
	t.subs = make(map[string]Subscription)
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go t.connect(ctx, gen, events)

	return nil
}

func (t *Transport) connect(ctx context.Context, gen uint64, events cbus.TransportEvents) {
	c, err := t.dial(ctx, func(cause error) { t.lost(gen, cause, events) })

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()

		if c != nil {
			c.Close()
		}

		return
	}

	if err != nil {
		t.state = cbus.Closed
		t.mu.Unlock()

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			events.OnClose(err)
			return
		}

		events.OnClose(fmt.Errorf("nats connect: %w", errors.Join(berr.ErrTransportUnavailable, err)))

		return
	}

	t.client = c
	t.state = cbus.Open
	t.mu.Unlock()

	events.OnOpen()
}

func (t *Transport) lost(gen uint64, cause error, events cbus.TransportEvents) {
	t.mu.Lock()
	if gen != t.gen || t.client == nil {
		t.mu.Unlock()
		return
	}

	t.client = nil
	t.state = cbus.Closed
	t.subs = make(map[string]Subscription)
	t.mu.Unlock()

	events.OnClose(fmt.Errorf("nats: connection lost: %w", errors.Join(berr.ErrTransportUnavailable, cause)))
}

// Close releases the connection without reporting through OnClose.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.gen++
	c := t.client
	t.client = nil
	t.state = cbus.Closed
	t.subs = make(map[string]Subscription)
	t.mu.Unlock()

	if c != nil {
		c.Close()
	}

	return nil
}

// State prefers the client's own view so that a silently dropped connection shows up.
func (t *Transport) State() cbus.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client.Status()
	}

	return t.state
}

// Send publishes body to the subject of address; a reply comes back on a one-shot inbox.
func (t *Transport) Send(
	ctx context.Context,
	address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	c, data, err := t.prepare(ctx, "send", address, body)
	if err != nil {
		return err
	}

	var inbox string

	if reply != nil {
		inbox = c.NewInbox()

		if err := t.awaitReply(c, inbox, reply); err != nil {
			return fmt.Errorf("nats send %s: %w", address, errors.Join(berr.ErrTransportUnavailable, err))
		}
	}

	return t.publish(c, "send", address, inbox, data, headers)
}

// Publish publishes body to the subject of address.
func (t *Transport) Publish(ctx context.Context, address string, body any, headers map[string]string) error {
	c, data, err := t.prepare(ctx, "publish", address, body)
	if err != nil {
		return err
	}

	return t.publish(c, "publish", address, "", data, headers)
}

func (t *Transport) prepare(ctx context.Context, label, address string, body any) (Client, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	data, err := cbus.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("nats %s %s: %w", label, address, err)
	}

	t.mu.Lock()
	c := t.client
	t.mu.Unlock()

	if c == nil {
		return nil, nil, fmt.Errorf("nats %s %s: %w", label, address, berr.ErrTransportUnavailable)
	}

	return c, data, nil
}

func (t *Transport) publish(c Client, label, subject, reply string, data []byte, headers map[string]string) error {
	if err := c.Publish(subject, reply, data, headers); err != nil {
		return fmt.Errorf("nats %s %s: %w", label, subject, errors.Join(berr.ErrTransportError, err))
	}

	return nil
}

// awaitReply subscribes to a one-shot inbox for the answer to a request.
func (t *Transport) awaitReply(c Client, inbox string, reply cbus.ReplyFunc) error {
	var (
		once sync.Once
		sub  Subscription
		mu   sync.Mutex
	)

	mu.Lock()
	defer mu.Unlock()

	s, err := c.Subscribe(inbox, func(m Msg) {
		once.Do(func() {
			mu.Lock()
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Unlock()

			if len(m.Data) == 0 && m.Headers["Status"] == statusNoResponders {
				reply(cbus.Message{Address: inbox}, fmt.Errorf("nats: no responders: %w", berr.ErrAddressNotFound))
				return
			}

			reply(t.message(c, m), nil)
		})
	})
	if err != nil {
		return err
	}

	sub = s

	return nil
}

func (t *Transport) message(c Client, m Msg) cbus.Message {
	var replyFn func(any) error

	if m.Reply != "" {
		replyFn = func(body any) error {
			data, err := cbus.Marshal(body)
			if err != nil {
				return fmt.Errorf("nats reply %s: %w", m.Reply, err)
			}

			return t.publish(c, "reply", m.Reply, "", data, nil)
		}
	}

	return cbus.NewMessage(m.Subject, m.Reply, m.Headers, m.Data, replyFn)
}

// Subscribe routes the subject of address to deliver, replacing any previous route.
func (t *Transport) Subscribe(address string, deliver func(cbus.Message)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.client
	if c == nil {
		return fmt.Errorf("nats subscribe %s: %w", address, berr.ErrTransportUnavailable)
	}

	if old, ok := t.subs[address]; ok {
		_ = old.Unsubscribe()
	}

	sub, err := c.Subscribe(address, func(m Msg) { deliver(t.message(c, m)) })
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", address, errors.Join(berr.ErrTransportError, err))
	}

	t.subs[address] = sub

	return nil
}

// Unsubscribe drops the subscription for address.
func (t *Transport) Unsubscribe(address string) error {
	t.mu.Lock()
	sub, ok := t.subs[address]
	delete(t.subs, address)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", address, errors.Join(berr.ErrTransportError, err))
	}

	return nil
}
