package delegate

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// beginAttemptLocked starts a new connection generation. Callbacks bound to older generations
// become no-ops, and the login gate is reset.
func (d *EventBus) beginAttemptLocked() (uint64, context.Context) {
	d.gen++

	if d.cancelOpen != nil {
		d.cancelOpen()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelOpen = cancel

	d.setStateLocked(cbus.Connecting)
	d.resetLoginLocked()

	return d.gen, ctx
}

func (d *EventBus) open(ctx context.Context, gen uint64) {
	err := d.transport.Open(ctx, cbus.TransportEvents{
		OnOpen:  func() { d.handleOpen(gen) },
		OnClose: func(err error) { d.handleClose(gen, err) },
	})
	if err != nil {
		d.logger.Warn("eventbus: open transport", "err", err)
		d.handleClose(gen, err)
	}
}

func (d *EventBus) handleOpen(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.explicitClose {
		d.mu.Unlock()
		return
	}

	d.setStateLocked(cbus.Open)
	d.backoff = 0
	d.resubscribeLocked()

	fx := effects{events: []cbus.Event{d.event(cbus.EventConnected, nil)}}
	if d.gatePassedLocked() {
		d.flushLocked(&fx)
	}
	d.mu.Unlock()

	d.apply(fx)
}

func (d *EventBus) handleClose(gen uint64, cause error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}

	var fx effects

	if d.state == cbus.Open {
		fx.events = append(fx.events, d.event(cbus.EventDisconnected, cause))
	}

	d.setStateLocked(cbus.Closed)

	if !d.explicitClose {
		d.scheduleReconnectLocked()
	}
	d.mu.Unlock()

	if cause != nil {
		d.logger.Warn("eventbus: connection lost", "err", cause)
	}

	d.apply(fx)
}

// checkState is one tick of the state check: a transport that went away without telling us is
// treated like a reported close.
func (d *EventBus) checkState() {
	d.mu.Lock()
	if d.explicitClose || d.state != cbus.Open || d.transport.State() != cbus.Closed {
		d.mu.Unlock()
		return
	}

	d.gen++
	d.setStateLocked(cbus.Closed)
	d.scheduleReconnectLocked()

	fx := effects{events: []cbus.Event{d.event(cbus.EventDisconnected, nil)}}
	d.mu.Unlock()

	d.logger.Warn("eventbus: transport reported closed, reconnecting")
	d.apply(fx)
}

func (d *EventBus) startTickerLocked() {
	if d.opts.StateCheckInterval <= 0 || d.ticker != nil {
		return
	}

	t := d.clock.Ticker(d.opts.StateCheckInterval)
	done := make(chan struct{})
	d.ticker, d.tickerDone = t, done

	go d.watch(t, done)
}

func (d *EventBus) stopTickerLocked() {
	if d.ticker == nil {
		return
	}

	d.ticker.Stop()
	close(d.tickerDone)
	d.ticker, d.tickerDone = nil, nil
}

// watch runs the ticks one after another, so checks never overlap.
func (d *EventBus) watch(t *clock.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.C:
			d.checkState()
		}
	}
}

func (d *EventBus) scheduleReconnectLocked() {
	if d.reconnectPending {
		return
	}

	d.reconnectPending = true
	d.metrics.IncReconnects()

	delay := d.nextBackoffLocked()
	if delay == 0 {
		go d.fireReconnect()
		return
	}

	if d.opts.Debug {
		d.logger.Debug("eventbus: reconnect scheduled", "in", delay)
	}

	d.reconnectTimer = d.clock.AfterFunc(delay, d.fireReconnect)
}

func (d *EventBus) cancelReconnectLocked() {
	d.reconnectPending = false

	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
}

func (d *EventBus) fireReconnect() {
	d.apply(d.reconnect(true))
}

// nextBackoffLocked returns the delay before the next attempt: immediate first, then exponential
// with jitter, capped at maxBackoff.
func (d *EventBus) nextBackoffLocked() time.Duration {
	delay := d.backoff

	switch {
	case d.backoff == 0:
		d.backoff = minBackoff
	case d.backoff < maxBackoff:
		d.backoff = min(d.backoff*2, maxBackoff)
	}

	if delay > 0 {
		jitter := time.Duration(d.rng.Int63n(int64(delay / 2)))
		delay = min(delay+jitter/2, maxBackoff)
	}

	return delay
}
