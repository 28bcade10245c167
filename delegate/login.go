package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// Login runs the configured interceptor. Its send goes straight to the transport, bypassing the
// buffer and the login gate. A reply without error whose status is empty or "ok" authenticates the
// connection and flushes the buffer; anything else leaves buffered traffic held.
func (d *EventBus) Login(username, password string, reply cbus.ReplyFunc) {
	interceptor := d.opts.LoginInterceptor
	if interceptor == nil {
		d.replyLogin(reply, fmt.Errorf("login: no interceptor configured: %w", berr.ErrLoginFailed))
		return
	}

	d.mu.Lock()
	if d.state != cbus.Open {
		state := d.state
		d.mu.Unlock()
		d.replyLogin(reply, fmt.Errorf("login while %s: %w", state, berr.ErrTransportUnavailable))

		return
	}

	gen := d.gen
	d.login = cbus.LoginPending
	d.mu.Unlock()

	var once sync.Once

	interceptor(d.rawSend, username, password, func(msg cbus.Message, err error) {
		once.Do(func() { d.finishLogin(gen, msg, err, reply) })
	})
}

// rawSend is the send primitive handed to login interceptors.
func (d *EventBus) rawSend(address string, body any, reply cbus.ReplyFunc) {
	d.mu.Lock()
	err := d.transport.Send(context.Background(), address, body, nil, reply)
	d.mu.Unlock()

	if err != nil && reply != nil {
		reply(cbus.Message{}, fmt.Errorf("login send %s: %w", address, errors.Join(berr.ErrTransportError, err)))
	}
}

func (d *EventBus) finishLogin(gen uint64, msg cbus.Message, err error, reply cbus.ReplyFunc) {
	switch {
	case err != nil:
		err = fmt.Errorf("login: %w", errors.Join(berr.ErrLoginFailed, err))
	case msg.Status() != "" && msg.Status() != "ok":
		err = fmt.Errorf("login: status %q: %w", msg.Status(), berr.ErrLoginFailed)
	}

	var fx effects

	d.mu.Lock()
	switch {
	case gen != d.gen:
		// The connection changed while the request was in flight; the result no longer applies.
		if err == nil {
			err = fmt.Errorf("login: connection replaced: %w", errors.Join(berr.ErrLoginFailed, berr.ErrTransportUnavailable))
		}
	case err == nil:
		d.login = cbus.LoginAuthenticated
		fx.events = append(fx.events, d.event(cbus.EventLoginSucceeded, nil))

		if d.state == cbus.Open {
			d.flushLocked(&fx)
		}
	default:
		d.login = cbus.LoginFailed
		fx.events = append(fx.events, d.event(cbus.EventLoginFailed, err))
	}
	d.mu.Unlock()

	d.apply(fx)

	if reply != nil {
		reply(msg, err)
	}
}

func (d *EventBus) replyLogin(reply cbus.ReplyFunc, err error) {
	if d.opts.Debug {
		d.logger.Debug("eventbus: login rejected", "err", err)
	}

	if reply != nil {
		reply(cbus.Message{}, err)
	}
}
