package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL         string
	Name        string
	ConnTimeout time.Duration
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(subject, reply string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Reply: reply, Data: data}

	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Add(k, v)
		}
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Subscribe(subject string, fn func(Msg)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		var h map[string]string
		if len(m.Header) > 0 {
			h = make(map[string]string, len(m.Header))
			for k := range m.Header {
				h[k] = m.Header.Get(k)
			}
		}

		fn(Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data, Headers: h})
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (c natsClient) NewInbox() string { return c.nc.NewInbox() }

func (c natsClient) Status() cbus.ReadyState {
	switch c.nc.Status() {
	case nats.CONNECTED:
		return cbus.Open
	case nats.CONNECTING, nats.RECONNECTING:
		return cbus.Connecting
	case nats.DRAINING_SUBS, nats.DRAINING_PUBS:
		return cbus.Closing
	default:
		return cbus.Closed
	}
}

func (c natsClient) Close() {
	if !c.nc.IsClosed() {
		c.nc.Close()
	}
}

// Dial returns a Dialer for cfg. The connection never reconnects on its own: the delegate owns
// reconnection and re-subscribes on every open.
func Dial(cfg Config) Dialer {
	return func(ctx context.Context, lost func(error)) (Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		opts := []nats.Option{
			nats.NoReconnect(),
			nats.ClosedHandler(func(nc *nats.Conn) { lost(nc.LastError()) }),
		}

		if cfg.Name != "" {
			opts = append(opts, nats.Name(cfg.Name))
		}

		if cfg.ConnTimeout > 0 {
			opts = append(opts, nats.Timeout(cfg.ConnTimeout))
		}

		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}

		return natsClient{nc: nc}, nil
	}
}

// NewWithNATS creates a transport dialing a real NATS server and a cleanup closing it.
func NewWithNATS(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrInvalidOptions)
	}

	tr := New(Dial(cfg))
	cleanup := func() { _ = tr.Close() }

	return tr, cleanup, nil
}
