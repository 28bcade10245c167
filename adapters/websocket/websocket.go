package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Config holds settings for the bridge transport.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	// PingInterval keeps the bridge from timing the socket out. Zero uses the default,
	// negative disables pings.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Overrides are instance-level options handed to the configuration layer.
	Overrides *cbus.Overrides
}

// Transport speaks the Vert.x event bus bridge protocol over a WebSocket.
type Transport struct {
	cfg    Config
	dialer *gws.Dialer

	mu      sync.Mutex
	c       *conn
	state   cbus.ReadyState
	gen     uint64
	subs    map[string]func(cbus.Message)
	replies map[string]cbus.ReplyFunc
}

// conn is one established socket. Writes are serialized by wmu; done stops its pinger.
type conn struct {
	ws     *gws.Conn
	wmu    sync.Mutex
	done   chan struct{}
	once   sync.Once
	events cbus.TransportEvents
}

var (
	_ cbus.Transport         = (*Transport)(nil)
	_ cbus.OverridesProvider = (*Transport)(nil)
)

// New returns a closed transport for cfg.URL.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket: empty url: %w", berr.ErrInvalidOptions)
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Transport{
		cfg:     cfg,
		dialer:  &gws.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		state:   cbus.Closed,
		subs:    make(map[string]func(cbus.Message)),
		replies: make(map[string]cbus.ReplyFunc),
	}, nil
}

// OptionOverrides implements bus.OverridesProvider.
func (t *Transport) OptionOverrides() cbus.Overrides {
	if t.cfg.Overrides == nil {
		return cbus.Overrides{}
	}

	return *t.cfg.Overrides
}

// Open dials in the background and reports the outcome through events.
func (t *Transport) Open(ctx context.Context, events cbus.TransportEvents) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	old := t.c
	t.c = nil
	t.state = cbus.Connecting
	t.subs = make(map[string]func(cbus.Message))
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	go t.dial(ctx, gen, events)

	return nil
}

func (t *Transport) dial(ctx context.Context, gen uint64, events cbus.TransportEvents) {
	ws, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()

		if ws != nil {
			_ = ws.Close()
		}

		return
	}

	if err != nil {
		t.state = cbus.Closed
		t.mu.Unlock()

		if events.OnClose != nil {
			events.OnClose(fmt.Errorf("websocket dial %s: %w", t.cfg.URL, errors.Join(berr.ErrTransportUnavailable, err)))
		}

		return
	}

	c := &conn{ws: ws, done: make(chan struct{}), events: events}
	t.c = c
	t.state = cbus.Open
	t.mu.Unlock()

	go t.read(gen, c)

	if t.cfg.PingInterval > 0 {
		go t.ping(c)
	}

	if events.OnOpen != nil {
		events.OnOpen()
	}
}

// Close shuts the socket without reporting through OnClose.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.gen++
	c := t.c
	t.c = nil
	t.state = cbus.Closed
	t.subs = make(map[string]func(cbus.Message))
	pending := t.takeRepliesLocked()
	t.mu.Unlock()

	failReplies(pending, fmt.Errorf("websocket: %w", berr.ErrClosed))

	if c == nil {
		return nil
	}

	_ = c.write(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), t.cfg.WriteTimeout)

	return c.close()
}

// State reports the socket state.
func (t *Transport) State() cbus.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Send writes a send frame; a reply is matched by its generated reply address.
func (t *Transport) Send(
	ctx context.Context,
	address string,
	body any,
	headers map[string]string,
	reply cbus.ReplyFunc,
) error {
	f := Frame{Type: frameSend, Address: address, Headers: headers}

	if reply != nil {
		f.ReplyAddress = uuid.NewString()
	}

	return t.send(ctx, f, body, reply)
}

// Publish writes a publish frame.
func (t *Transport) Publish(ctx context.Context, address string, body any, headers map[string]string) error {
	return t.send(ctx, Frame{Type: framePublish, Address: address, Headers: headers}, body, nil)
}

func (t *Transport) send(ctx context.Context, f Frame, body any, reply cbus.ReplyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := cbus.Marshal(body)
	if err != nil {
		return fmt.Errorf("websocket %s %s: %w", f.Type, f.Address, err)
	}

	f.Body = raw

	t.mu.Lock()
	c := t.c
	if c == nil {
		t.mu.Unlock()
		return fmt.Errorf("websocket %s %s: %w", f.Type, f.Address, berr.ErrTransportUnavailable)
	}

	if reply != nil {
		t.replies[f.ReplyAddress] = reply
	}
	t.mu.Unlock()

	if err := c.writeJSON(f, t.cfg.WriteTimeout); err != nil {
		t.mu.Lock()
		delete(t.replies, f.ReplyAddress)
		t.mu.Unlock()

		return fmt.Errorf("websocket %s %s: %w", f.Type, f.Address, errors.Join(berr.ErrTransportUnavailable, err))
	}

	return nil
}

// Subscribe registers address with the bridge and routes it to deliver.
func (t *Transport) Subscribe(address string, deliver func(cbus.Message)) error {
	t.mu.Lock()
	c := t.c
	if c == nil {
		t.mu.Unlock()
		return fmt.Errorf("websocket register %s: %w", address, berr.ErrTransportUnavailable)
	}

	_, known := t.subs[address]
	t.subs[address] = deliver
	t.mu.Unlock()

	if known {
		return nil
	}

	if err := c.writeJSON(Frame{Type: frameRegister, Address: address}, t.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("websocket register %s: %w", address, errors.Join(berr.ErrTransportUnavailable, err))
	}

	return nil
}

// Unsubscribe unregisters address with the bridge.
func (t *Transport) Unsubscribe(address string) error {
	t.mu.Lock()
	c := t.c
	_, known := t.subs[address]
	delete(t.subs, address)
	t.mu.Unlock()

	if c == nil || !known {
		return nil
	}

	if err := c.writeJSON(Frame{Type: frameUnregister, Address: address}, t.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("websocket unregister %s: %w", address, errors.Join(berr.ErrTransportUnavailable, err))
	}

	return nil
}

func (t *Transport) read(gen uint64, c *conn) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			t.lost(gen, c, err)
			return
		}

		t.route(c, f)
	}
}

func (t *Transport) route(c *conn, f Frame) {
	t.mu.Lock()
	reply, isReply := t.replies[f.Address]
	if isReply {
		delete(t.replies, f.Address)
	}

	deliver := t.subs[f.Address]
	t.mu.Unlock()

	switch {
	case f.Type == frameErr && isReply:
		reply(cbus.Message{Address: f.Address}, f.failure())
	case f.Type != frameMessage:
		// pongs and errors nobody waits for
	case isReply:
		reply(cbus.NewMessage(f.Address, f.ReplyAddress, f.Headers, f.Body, t.replier(c, f.ReplyAddress)), nil)
	case deliver != nil:
		deliver(cbus.NewMessage(f.Address, f.ReplyAddress, f.Headers, f.Body, t.replier(c, f.ReplyAddress)))
	}
}

// replier answers a received message on the socket it came from.
func (t *Transport) replier(c *conn, replyAddress string) func(any) error {
	if replyAddress == "" {
		return nil
	}

	return func(body any) error {
		raw, err := cbus.Marshal(body)
		if err != nil {
			return fmt.Errorf("websocket reply %s: %w", replyAddress, err)
		}

		if err := c.writeJSON(Frame{Type: frameSend, Address: replyAddress, Body: raw}, t.cfg.WriteTimeout); err != nil {
			return fmt.Errorf("websocket reply %s: %w", replyAddress, errors.Join(berr.ErrTransportError, err))
		}

		return nil
	}
}

// lost handles a socket that failed under us; a Close that got there first wins.
func (t *Transport) lost(gen uint64, c *conn, cause error) {
	_ = c.close()

	t.mu.Lock()
	if gen != t.gen || t.c != c {
		t.mu.Unlock()
		return
	}

	t.c = nil
	t.state = cbus.Closed
	t.subs = make(map[string]func(cbus.Message))
	pending := t.takeRepliesLocked()
	t.mu.Unlock()

	err := fmt.Errorf("websocket: connection lost: %w", errors.Join(berr.ErrTransportUnavailable, cause))
	failReplies(pending, err)

	if c.events.OnClose != nil {
		c.events.OnClose(err)
	}
}

func (t *Transport) ping(c *conn) {
	tk := time.NewTicker(t.cfg.PingInterval)
	defer tk.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-tk.C:
			if err := c.writeJSON(Frame{Type: framePing}, t.cfg.WriteTimeout); err != nil {
				return
			}
		}
	}
}

func (t *Transport) takeRepliesLocked() map[string]cbus.ReplyFunc {
	pending := t.replies
	t.replies = make(map[string]cbus.ReplyFunc)

	return pending
}

func failReplies(pending map[string]cbus.ReplyFunc, err error) {
	for _, reply := range pending {
		reply(cbus.Message{}, err)
	}
}

func (c *conn) writeJSON(v any, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))

	return c.ws.WriteJSON(v)
}

func (c *conn) write(messageType int, data []byte, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))

	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) close() error {
	var err error

	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})

	return err
}
