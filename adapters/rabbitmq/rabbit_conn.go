package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// Concrete AMQP connection-backed Channel and constructor.

type Config struct {
	URL         string
	Exchange    string
	ConnTimeout time.Duration
}

type amqpChannel struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// Dial returns a Dialer for cfg. Each dial declares the topic exchange and watches the
// connection; a close the transport did not ask for is reported through lost.
func Dial(cfg Config) Dialer {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	return func(ctx context.Context, lost func(error)) (Channel, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-eventbus"},
			Dial:       amqp.DefaultDial(cfg.ConnTimeout),
		})
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}

		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()

			return nil, err
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		go func() {
			// closed without a value on a graceful Close
			if e, ok := <-notify; ok && e != nil {
				lost(e)
			}
		}()

		return &amqpChannel{conn: conn, ch: ch, exchange: exchange}, nil
	}
}

func (c *amqpChannel) Publish(ctx context.Context, m PubMsg) error {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return c.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		m.Mandatory,
		false,
		amqp.Publishing{
			Headers:       h,
			ContentType:   "application/json",
			Body:          m.Body,
			ReplyTo:       m.ReplyTo,
			CorrelationId: m.CorrelationID,
		},
	)
}

type consumers struct {
	ch   *amqp.Channel
	tags []string
}

func (s consumers) Unsubscribe() error {
	var errs []error

	for _, tag := range s.tags {
		if err := s.ch.Cancel(tag, false); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *amqpChannel) Subscribe(address string, fn func(Delivery)) (Subscription, error) {
	// broadcast: a private queue bound to the exchange
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare broadcast queue: %w", err)
	}

	if err := c.ch.QueueBind(q.Name, address, c.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}

	// point to point: one queue per address shared by every consumer
	if _, err := c.ch.QueueDeclare(SendQueue(address), false, true, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare send queue: %w", err)
	}

	subs := consumers{ch: c.ch}

	for _, name := range []string{q.Name, SendQueue(address)} {
		tag := "eventbus-" + uuid.NewString()

		deliveries, err := c.ch.Consume(name, tag, true, false, false, false, nil)
		if err != nil {
			_ = subs.Unsubscribe()
			return nil, fmt.Errorf("consume %s: %w", name, err)
		}

		subs.tags = append(subs.tags, tag)

		go pump(deliveries, fn)
	}

	return subs, nil
}

func (c *amqpChannel) Listen(fn func(Delivery)) error {
	deliveries, err := c.ch.Consume(directReplyTo, "eventbus-replies-"+uuid.NewString(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume replies: %w", err)
	}

	returns := c.ch.NotifyReturn(make(chan amqp.Return, 16))

	go pump(deliveries, fn)

	go func() {
		for r := range returns {
			fn(Delivery{
				RoutingKey:    r.RoutingKey,
				Body:          r.Body,
				CorrelationID: r.CorrelationId,
				Returned:      true,
			})
		}
	}()

	return nil
}

func pump(deliveries <-chan amqp.Delivery, fn func(Delivery)) {
	for d := range deliveries {
		var h map[string]string
		if len(d.Headers) > 0 {
			h = make(map[string]string, len(d.Headers))
			for k, v := range d.Headers {
				h[k] = fmt.Sprint(v)
			}
		}

		fn(Delivery{
			RoutingKey:    d.RoutingKey,
			Body:          d.Body,
			Headers:       h,
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
		})
	}
}

func (c *amqpChannel) Closed() bool { return c.conn.IsClosed() }

func (c *amqpChannel) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// NewWithAMQPConn returns a transport dialing RabbitMQ on every open, and a cleanup closing it.
func NewWithAMQPConn(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidOptions)
	}

	tr := New(Dial(cfg), cfg.Exchange)
	cleanup := func() { _ = tr.Close() }

	return tr, cleanup, nil
}
