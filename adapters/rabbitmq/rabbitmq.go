package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

const (
	// DefaultExchange is the topic exchange publishes are routed through.
	DefaultExchange = "eventbus"
	sendPrefix      = "send."
	// directReplyTo is RabbitMQ's pseudo-queue for request/reply without declaring queues.
	directReplyTo = "amq.rabbitmq.reply-to"
)

type PubMsg struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	Headers       map[string]string
	ReplyTo       string
	CorrelationID string
	// Mandatory asks the broker to return the message when no queue takes it.
	Mandatory bool
}

// Delivery is an incoming message. Returned marks a mandatory publish the broker could not route.
type Delivery struct {
	RoutingKey    string
	Body          []byte
	Headers       map[string]string
	ReplyTo       string
	CorrelationID string
	Returned      bool
}

type Subscription interface {
	Unsubscribe() error
}

// Channel is the AMQP surface the transport needs, decoupled from amqp091 for tests.
// Delivery callbacks must run on their own goroutines.
type Channel interface {
	Publish(ctx context.Context, m PubMsg) error
	// Subscribe consumes both the broadcast binding of address on the exchange and the shared
	// point-to-point queue of address.
	Subscribe(address string, fn func(Delivery)) (Subscription, error)
	// Listen consumes replies sent to directReplyTo and messages returned by the broker.
	Listen(fn func(Delivery)) error
	Closed() bool
	Close() error
}

// Dialer opens a Channel. lost must be called once if the connection ends without Close.
type Dialer func(ctx context.Context, lost func(error)) (Channel, error)

// SendQueue is the queue point-to-point sends to address are routed to.
func SendQueue(address string) string { return sendPrefix + address }

// Transport maps publishes onto a topic exchange and sends onto per-address competing-consumer
// queues, with replies over direct reply-to.
type Transport struct {
	dial     Dialer
	exchange string

	mu      sync.Mutex
	ch      Channel
	state   cbus.ReadyState
	gen     uint64
	subs    map[string]Subscription
	pending map[string]cbus.ReplyFunc
}

var _ cbus.Transport = (*Transport)(nil)

func New(dial Dialer, exchange string) *Transport {
	if exchange == "" {
		exchange = DefaultExchange
	}

	return &Transport{
		dial:     dial,
		exchange: exchange,
		state:    cbus.Closed,
		subs:     make(map[string]Subscription),
		pending:  make(map[string]cbus.ReplyFunc),
	}
}

// Open dials in the background and reports the outcome through events.
func (t *Transport) Open(ctx context.Context, events cbus.TransportEvents) error {
	if t.dial == nil {
		return fmt.Errorf("rabbitmq open: no dialer: %w", berr.ErrTransportUnavailable)
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	old := t.detachLocked()
	t.state = cbus.Connecting
	t.mu.Unlock()

	t.release(old, fmt.Errorf("rabbitmq: reopened: %w", berr.ErrTransportUnavailable))

	go t.connect(ctx, gen, events)

	return nil
}

func (t *Transport) connect(ctx context.Context, gen uint64, events cbus.TransportEvents) {
	ch, err := t.dial(ctx, func(cause error) { t.lost(gen, cause, events) })
	if err == nil {
		if lerr := ch.Listen(t.onReply); lerr != nil {
			_ = ch.Close()
			ch, err = nil, lerr
		}
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
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

		events.OnClose(fmt.Errorf("rabbitmq connect: %w", errors.Join(berr.ErrTransportUnavailable, err)))

		return
	}

	t.ch = ch
	t.state = cbus.Open
	t.mu.Unlock()

	events.OnOpen()
}

type detached struct {
	ch      Channel
	pending map[string]cbus.ReplyFunc
}

func (t *Transport) detachLocked() detached {
	d := detached{ch: t.ch, pending: t.pending}

	t.ch = nil
	t.state = cbus.Closed
	t.subs = make(map[string]Subscription)
	t.pending = make(map[string]cbus.ReplyFunc)

	return d
}

func (t *Transport) release(d detached, err error) {
	if d.ch != nil {
		_ = d.ch.Close()
	}

	for _, reply := range d.pending {
		reply(cbus.Message{}, err)
	}
}

func (t *Transport) lost(gen uint64, cause error, events cbus.TransportEvents) {
	t.mu.Lock()
	if gen != t.gen || t.ch == nil {
		t.mu.Unlock()
		return
	}

	d := t.detachLocked()
	t.mu.Unlock()

	err := fmt.Errorf("rabbitmq: connection lost: %w", errors.Join(berr.ErrTransportUnavailable, cause))
	t.release(d, err)

	events.OnClose(err)
}

// Close releases the channel without reporting through OnClose.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.gen++
	d := t.detachLocked()
	t.mu.Unlock()

	t.release(d, fmt.Errorf("rabbitmq: %w", berr.ErrClosed))

	return nil
}

// State prefers the channel's own view so that a silently closed channel shows up.
func (t *Transport) State() cbus.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil && t.ch.Closed() {
		return cbus.Closed
	}

	return t.state
}

// Send publishes body to the shared send queue of address; replies use direct reply-to.
func (t *Transport) Send(
	ctx context.Context,
	address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	m := PubMsg{RoutingKey: SendQueue(address), Headers: headers, Mandatory: true}

	if reply != nil {
		m.ReplyTo = directReplyTo
		m.CorrelationID = uuid.NewString()
	}

	return t.publish(ctx, "send", address, body, m, reply)
}

// Publish publishes body to the exchange with address as routing key.
func (t *Transport) Publish(ctx context.Context, address string, body any, headers map[string]string) error {
	return t.publish(ctx, "publish", address, body, PubMsg{Exchange: t.exchange, RoutingKey: address, Headers: headers}, nil)
}

func (t *Transport) publish(ctx context.Context, label, address string, body any, m PubMsg, reply cbus.ReplyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := cbus.Marshal(body)
	if err != nil {
		return fmt.Errorf("rabbitmq %s %s: %w", label, address, err)
	}

	m.Body = data

	t.mu.Lock()
	ch := t.ch
	if ch != nil && reply != nil {
		t.pending[m.CorrelationID] = reply
	}
	t.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("rabbitmq %s %s: %w", label, address, berr.ErrTransportUnavailable)
	}

	if err := ch.Publish(ctx, m); err != nil {
		t.mu.Lock()
		delete(t.pending, m.CorrelationID)
		t.mu.Unlock()

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq %s %s: %w", label, address, errors.Join(berr.ErrTransportError, err))
	}

	return nil
}

func (t *Transport) onReply(d Delivery) {
	if d.CorrelationID == "" {
		return
	}

	t.mu.Lock()
	reply, ok := t.pending[d.CorrelationID]
	delete(t.pending, d.CorrelationID)
	ch := t.ch
	t.mu.Unlock()

	if !ok {
		return
	}

	if d.Returned {
		reply(cbus.Message{Address: d.RoutingKey}, fmt.Errorf("rabbitmq: unroutable %s: %w", d.RoutingKey, berr.ErrAddressNotFound))
		return
	}

	reply(t.message(ch, d, d.RoutingKey), nil)
}

func (t *Transport) message(ch Channel, d Delivery, address string) cbus.Message {
	var replyFn func(any) error

	if d.ReplyTo != "" && ch != nil {
		replyFn = func(body any) error {
			data, err := cbus.Marshal(body)
			if err != nil {
				return fmt.Errorf("rabbitmq reply %s: %w", address, err)
			}

			m := PubMsg{RoutingKey: d.ReplyTo, CorrelationID: d.CorrelationID, Body: data}
			if err := ch.Publish(context.Background(), m); err != nil {
				return fmt.Errorf("rabbitmq reply %s: %w", address, errors.Join(berr.ErrTransportError, err))
			}

			return nil
		}
	}

	return cbus.NewMessage(address, d.ReplyTo, d.Headers, d.Body, replyFn)
}

// Subscribe consumes both the broadcast binding and the send queue of address.
func (t *Transport) Subscribe(address string, deliver func(cbus.Message)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := t.ch
	if ch == nil {
		return fmt.Errorf("rabbitmq subscribe %s: %w", address, berr.ErrTransportUnavailable)
	}

	if old, ok := t.subs[address]; ok {
		_ = old.Unsubscribe()
	}

	sub, err := ch.Subscribe(address, func(d Delivery) { deliver(t.message(ch, d, address)) })
	if err != nil {
		return fmt.Errorf("rabbitmq subscribe %s: %w", address, errors.Join(berr.ErrTransportError, err))
	}

	t.subs[address] = sub

	return nil
}

// Unsubscribe cancels the consumers for address.
func (t *Transport) Unsubscribe(address string) error {
	t.mu.Lock()
	sub, ok := t.subs[address]
	delete(t.subs, address)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("rabbitmq unsubscribe %s: %w", address, errors.Join(berr.ErrTransportError, err))
	}

	return nil
}
