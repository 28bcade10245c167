package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-eventbus/adapters/kafka"
	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

const waitFor = 2 * time.Second

// fakeClient loops produced records back to itself for every topic it consumes.
type fakeClient struct {
	mu       sync.Mutex
	topics   map[string]bool
	produced []kafka.Record
	prodErr  error
	closed   bool
	records  chan kafka.Record
	fail     chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		topics:  make(map[string]bool),
		records: make(chan kafka.Record, 16),
		fail:    make(chan error, 1),
	}
}

func (c *fakeClient) Produce(ctx context.Context, r kafka.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prodErr != nil {
		return c.prodErr
	}

	c.produced = append(c.produced, r)
	if c.topics[r.Topic] {
		c.records <- r
	}

	return nil
}

func (c *fakeClient) AddTopics(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range topics {
		c.topics[t] = true
	}
}

func (c *fakeClient) RemoveTopics(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range topics {
		delete(c.topics, t)
	}
}

func (c *fakeClient) Poll(ctx context.Context) ([]kafka.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.fail:
		return nil, err
	case r := <-c.records:
		return []kafka.Record{r}, nil
	}
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
}

func (c *fakeClient) consuming(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topics[topic]
}

type opened struct {
	open  chan struct{}
	close chan error
}

func (o opened) events() cbus.TransportEvents {
	return cbus.TransportEvents{
		OnOpen:  func() { o.open <- struct{}{} },
		OnClose: func(err error) { o.close <- err },
	}
}

func openWith(t *testing.T, c *fakeClient) (*kafka.Transport, opened) {
	t.Helper()

	tr := kafka.New(func(context.Context) (kafka.Client, error) { return c, nil })

	o := opened{open: make(chan struct{}, 2), close: make(chan error, 2)}
	if err := tr.Open(t.Context(), o.events()); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case <-o.open:
	case err := <-o.close:
		t.Fatalf("open failed: %v", err)
	case <-time.After(waitFor):
		t.Fatalf("open timed out")
	}

	t.Cleanup(func() { _ = tr.Close() })

	return tr, o
}

func TestTopic(t *testing.T) {
	cases := map[string]string{
		"orders.created":   "orders.created",
		"user/login":       "user_login",
		"a b:c":            "a_b_c",
		"vertx-eventbus.x": "vertx-eventbus.x",
	}

	for in, want := range cases {
		if got := kafka.Topic(in); got != want {
			t.Fatalf("Topic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKafka_PublishAndSubscribe(t *testing.T) {
	c := newFakeClient()
	tr, _ := openWith(t, c)

	got := make(chan cbus.Message, 1)
	if err := tr.Subscribe("user/created", func(m cbus.Message) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !c.consuming("user_created") {
		t.Fatalf("topic not consumed")
	}

	if err := tr.Publish(t.Context(), "user/created", map[string]int{"id": 7}, map[string]string{"h": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		if m.Address != "user/created" || string(m.Body) != `{"id":7}` || m.Headers["h"] != "v" {
			t.Fatalf("unexpected message: %s %s %v", m.Address, m.Body, m.Headers)
		}

		if m.CanReply() {
			t.Fatalf("publish must not be replyable")
		}
	case <-time.After(waitFor):
		t.Fatalf("not delivered")
	}

	if err := tr.Unsubscribe("user/created"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if c.consuming("user_created") {
		t.Fatalf("topic still consumed")
	}
}

func TestKafka_RequestReply(t *testing.T) {
	c := newFakeClient()
	tr, _ := openWith(t, c)

	if err := tr.Subscribe("echo", func(m cbus.Message) { _ = m.Reply("pong") }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := make(chan string, 1)

	err := tr.Send(t.Context(), "echo", "ping", nil, func(m cbus.Message, err error) {
		if err != nil {
			got <- err.Error()
			return
		}

		var s string
		_ = m.Decode(&s)
		got <- s
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case s := <-got:
		if s != "pong" {
			t.Fatalf("reply: %q", s)
		}
	case <-time.After(waitFor):
		t.Fatalf("no reply")
	}
}

func TestKafka_ProduceError(t *testing.T) {
	c := newFakeClient()
	c.prodErr = errors.New("broker gone")
	tr, _ := openWith(t, c)

	if err := tr.Publish(t.Context(), "x", 1, nil); !errors.Is(err, berr.ErrTransportError) {
		t.Fatalf("want ErrTransportError, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := tr.Send(ctx, "x", 1, nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestKafka_NotOpen(t *testing.T) {
	tr := kafka.New(nil)

	if err := tr.Publish(t.Context(), "x", 1, nil); !errors.Is(err, berr.ErrTransportUnavailable) {
		t.Fatalf("want ErrTransportUnavailable, got %v", err)
	}

	if err := tr.Subscribe("x", func(cbus.Message) {}); !errors.Is(err, berr.ErrTransportUnavailable) {
		t.Fatalf("want ErrTransportUnavailable, got %v", err)
	}

	if err := tr.Open(t.Context(), cbus.TransportEvents{}); !errors.Is(err, berr.ErrTransportUnavailable) {
		t.Fatalf("want ErrTransportUnavailable without dialer, got %v", err)
	}
}

func TestKafka_LostClientFailsPendingReplies(t *testing.T) {
	c := newFakeClient()
	tr, o := openWith(t, c)

	failed := make(chan error, 1)
	if err := tr.Send(t.Context(), "nobody", 1, nil, func(_ cbus.Message, err error) { failed <- err }); err != nil {
		t.Fatalf("send: %v", err)
	}

	c.fail <- errors.New("fatal")

	select {
	case err := <-o.close:
		if !errors.Is(err, berr.ErrTransportUnavailable) {
			t.Fatalf("want ErrTransportUnavailable, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("loss not reported")
	}

	select {
	case err := <-failed:
		if !errors.Is(err, berr.ErrTransportUnavailable) {
			t.Fatalf("want ErrTransportUnavailable, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("pending reply not failed")
	}

	if tr.State() != cbus.Closed {
		t.Fatalf("want closed, got %s", tr.State())
	}
}

func TestKafka_CloseIsSilent(t *testing.T) {
	c := newFakeClient()
	tr, o := openWith(t, c)

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		t.Fatalf("client not closed")
	}

	select {
	case err := <-o.close:
		t.Fatalf("close reported as loss: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestKafka_DialFailure(t *testing.T) {
	tr := kafka.New(func(context.Context) (kafka.Client, error) {
		return nil, errors.New("no brokers")
	})

	o := opened{open: make(chan struct{}, 1), close: make(chan error, 1)}
	if err := tr.Open(t.Context(), o.events()); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case err := <-o.close:
		if !errors.Is(err, berr.ErrTransportUnavailable) {
			t.Fatalf("want ErrTransportUnavailable, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("failure not reported")
	}
}
