package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

const (
	headerReplyTo       = "eventbus-reply-to"
	headerCorrelationID = "eventbus-correlation-id"
	headerAddress       = "eventbus-address"
	replyTopicPrefix    = "eventbus.replies."
)

// Record is one Kafka record as seen by the transport.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Client is a minimal Kafka-like client interface.
// Users can adapt franz-go or any other client to this.
type Client interface {
	Produce(ctx context.Context, r Record) error
	AddTopics(topics ...string)
	RemoveTopics(topics ...string)
	// Poll blocks until records arrive or ctx is done. An error other than a context error means
	// the client is unusable.
	Poll(ctx context.Context) ([]Record, error)
	Close()
}

// Dialer creates a Client.
type Dialer func(ctx context.Context) (Client, error)

// Topic maps an address onto a legal topic name.
func Topic(address string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, address)
}

// Transport maps addresses onto topics. Every subscribed client reads every record of a topic,
// so sends and publishes both reach all handlers; a send with a reply handler carries a private
// reply topic in its headers.
type Transport struct {
	dial Dialer

	mu         sync.Mutex
	client     Client
	state      cbus.ReadyState
	gen        uint64
	stop       context.CancelFunc
	replyTopic string
	subs       map[string]func(cbus.Message)
	pending    map[string]cbus.ReplyFunc
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a transport connecting through dial on every Open.
func New(dial Dialer) *Transport {
	return &Transport{
		dial:    dial,
		state:   cbus.Closed,
		subs:    make(map[string]func(cbus.Message)),
		pending: make(map[string]cbus.ReplyFunc),
	}
}

// Open dials in the background and reports the outcome through events.
func (t *Transport) Open(ctx context.Context, events cbus.TransportEvents) error {
	if t.dial == nil {
		return fmt.Errorf("kafka open: no dialer: %w", berr.ErrTransportUnavailable)
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	d := t.detachLocked()
	t.state = cbus.Connecting
	t.mu.Unlock()

	d.release(fmt.Errorf("kafka: reopened: %w", berr.ErrTransportUnavailable))

	go t.connect(ctx, gen, events)

	return nil
}

func (t *Transport) connect(ctx context.Context, gen uint64, events cbus.TransportEvents) {
	c, err := t.dial(ctx)

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

		events.OnClose(fmt.Errorf("kafka connect: %w", errors.Join(berr.ErrTransportUnavailable, err)))

		return
	}

	pollCtx, stop := context.WithCancel(context.Background())

	t.client = c
	t.stop = stop
	t.state = cbus.Open
	t.replyTopic = replyTopicPrefix + uuid.NewString()
	c.AddTopics(t.replyTopic)
	t.mu.Unlock()

	go t.poll(pollCtx, gen, c, events)

	events.OnOpen()
}

func (t *Transport) poll(ctx context.Context, gen uint64, c Client, events cbus.TransportEvents) {
	for {
		records, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			t.lost(gen, err, events)
			return
		}

		for _, r := range records {
			t.route(c, r)
		}
	}
}

func (t *Transport) route(c Client, r Record) {
	t.mu.Lock()
	replyTopic := t.replyTopic

	var (
		reply   cbus.ReplyFunc
		deliver func(cbus.Message)
	)

	if r.Topic == replyTopic {
		id := r.Headers[headerCorrelationID]
		reply = t.pending[id]
		delete(t.pending, id)
	} else {
		deliver = t.subs[r.Headers[headerAddress]]
	}
	t.mu.Unlock()

	switch {
	case reply != nil:
		reply(t.message(c, r), nil)
	case deliver != nil:
		deliver(t.message(c, r))
	}
}

func (t *Transport) message(c Client, r Record) cbus.Message {
	address := r.Headers[headerAddress]
	replyTo := r.Headers[headerReplyTo]
	correlation := r.Headers[headerCorrelationID]

	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		if !strings.HasPrefix(k, "eventbus-") {
			headers[k] = v
		}
	}

	var replyFn func(any) error

	if replyTo != "" {
		replyFn = func(body any) error {
			value, err := cbus.Marshal(body)
			if err != nil {
				return fmt.Errorf("kafka reply %s: %w", address, err)
			}

			rec := Record{
				Topic:   replyTo,
				Value:   value,
				Headers: map[string]string{headerCorrelationID: correlation, headerAddress: replyTo},
			}
			if err := c.Produce(context.Background(), rec); err != nil {
				return fmt.Errorf("kafka reply %s: %w", address, errors.Join(berr.ErrTransportError, err))
			}

			return nil
		}
	}

	return cbus.NewMessage(address, replyTo, headers, r.Value, replyFn)
}

type detachedClient struct {
	client  Client
	stop    context.CancelFunc
	pending map[string]cbus.ReplyFunc
}

func (t *Transport) detachLocked() detachedClient {
	d := detachedClient{client: t.client, stop: t.stop, pending: t.pending}

	t.client = nil
	t.stop = nil
	t.state = cbus.Closed
	t.replyTopic = ""
	t.subs = make(map[string]func(cbus.Message))
	t.pending = make(map[string]cbus.ReplyFunc)

	return d
}

func (d detachedClient) release(err error) {
	if d.stop != nil {
		d.stop()
	}

	if d.client != nil {
		d.client.Close()
	}

	for _, reply := range d.pending {
		reply(cbus.Message{}, err)
	}
}

func (t *Transport) lost(gen uint64, cause error, events cbus.TransportEvents) {
	t.mu.Lock()
	if gen != t.gen || t.client == nil {
		t.mu.Unlock()
		return
	}

	d := t.detachLocked()
	t.mu.Unlock()

	err := fmt.Errorf("kafka: client lost: %w", errors.Join(berr.ErrTransportUnavailable, cause))
	d.release(err)

	events.OnClose(err)
}

// Close releases the client without reporting through OnClose.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.gen++
	d := t.detachLocked()
	t.mu.Unlock()

	d.release(fmt.Errorf("kafka: %w", berr.ErrClosed))

	return nil
}

// State reports the connection state.
func (t *Transport) State() cbus.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Send produces body to the topic of address; a reply comes back on the private reply topic.
func (t *Transport) Send(
	ctx context.Context,
	address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	return t.produce(ctx, "send", address, body, headers, reply)
}

// Publish produces body to the topic of address.
func (t *Transport) Publish(ctx context.Context, address string, body any, headers map[string]string) error {
	return t.produce(ctx, "publish", address, body, headers, nil)
}

func (t *Transport) produce(
	ctx context.Context,
	label, address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := cbus.Marshal(body)
	if err != nil {
		return fmt.Errorf("kafka %s %s: %w", label, address, err)
	}

	h := make(map[string]string, len(headers)+3)
	for k, v := range headers {
		h[k] = v
	}

	h[headerAddress] = address

	t.mu.Lock()
	c := t.client
	if c != nil && reply != nil {
		id := uuid.NewString()
		h[headerReplyTo] = t.replyTopic
		h[headerCorrelationID] = id
		t.pending[id] = reply
	}
	t.mu.Unlock()

	if c == nil {
		return fmt.Errorf("kafka %s %s: %w", label, address, berr.ErrTransportUnavailable)
	}

	if err := c.Produce(ctx, Record{Topic: Topic(address), Value: value, Headers: h}); err != nil {
		t.mu.Lock()
		delete(t.pending, h[headerCorrelationID])
		t.mu.Unlock()

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka %s write: %w", label, errors.Join(berr.ErrTransportError, err))
	}

	return nil
}

// Subscribe starts consuming the topic of address.
func (t *Transport) Subscribe(address string, deliver func(cbus.Message)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return fmt.Errorf("kafka subscribe %s: %w", address, berr.ErrTransportUnavailable)
	}

	if _, ok := t.subs[address]; !ok {
		t.client.AddTopics(Topic(address))
	}

	t.subs[address] = deliver

	return nil
}

// Unsubscribe stops consuming the topic of address unless another address shares it.
func (t *Transport) Unsubscribe(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[address]; !ok {
		return nil
	}

	delete(t.subs, address)

	if t.client != nil && !t.topicInUseLocked(Topic(address)) {
		t.client.RemoveTopics(Topic(address))
	}

	return nil
}

// topicInUseLocked reports whether another address maps onto the same topic.
func (t *Transport) topicInUseLocked(topic string) bool {
	for a := range t.subs {
		if Topic(a) == topic {
			return true
		}
	}

	return false
}
