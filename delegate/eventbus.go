package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// EventBus is the active delegate. It owns the transport exclusively and provides continuity on
// top of it: handlers survive reconnects, sends made while the connection is not ready are
// buffered (within capacity) and flushed in order, and an optional login gates application traffic.
//
// All connection state lives behind one mutex. Caller callbacks never run while it is held.
type EventBus struct {
	opts       cbus.Options
	transport  cbus.Transport
	logger     *slog.Logger
	clock      clock.Clock
	propagator cbus.HeaderPropagator
	metrics    cbus.Metrics

	registry  *registry
	observers *observers

	// lifecycle serializes Connect, Reconnect, Close and timer-driven reconnects end to end,
	// including their transport Open and Close calls. Never taken under mu.
	lifecycle sync.Mutex

	mu            sync.Mutex
	state         cbus.ReadyState
	login         cbus.LoginState
	buf           *buffer
	gen           uint64 // connection attempt; callbacks from older attempts are ignored
	explicitClose bool
	cancelOpen    context.CancelFunc

	ticker     *clock.Ticker
	tickerDone chan struct{}

	reconnectPending bool
	reconnectTimer   *clock.Timer
	backoff          time.Duration
	rng              *rand.Rand
}

var _ cbus.Adapter = (*EventBus)(nil)

// Option configures the collaborators of an EventBus. Options never touch cbus.Options.
type Option func(*EventBus)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *EventBus) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock replaces the wall clock driving the state check and reconnect backoff.
func WithClock(c clock.Clock) Option {
	return func(d *EventBus) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithPropagator injects caller context into the headers of every send and publish.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(d *EventBus) {
		if p != nil {
			d.propagator = p
		}
	}
}

// WithMetrics reports state, buffer depth, drops and reconnects.
func WithMetrics(m cbus.Metrics) Option {
	return func(d *EventBus) {
		if m != nil {
			d.metrics = m
		}
	}
}

// New binds a delegate to t and one options snapshot. The delegate starts Closed;
// call Connect to open the transport.
func New(t cbus.Transport, opts cbus.Options, o ...Option) *EventBus {
	d := &EventBus{
		opts:       opts,
		transport:  t,
		logger:     slog.Default(),
		clock:      clock.New(),
		propagator: cbus.NopHeaderPropagator{},
		metrics:    cbus.NopMetrics{},
		registry:   newRegistry(),
		observers:  &observers{},
		state:      cbus.Closed,
		buf:        newBuffer(opts.BufferCapacity),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // backoff jitter only
	}

	for _, f := range o {
		f(d)
	}

	d.resetLoginLocked()
	d.metrics.ObserveState(d.state)

	return d
}

// Connect begins establishing the transport. It is a no-op while connecting or open.
func (d *EventBus) Connect() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if d.state == cbus.Connecting || d.state == cbus.Open {
		d.mu.Unlock()
		return
	}

	d.explicitClose = false
	gen, ctx := d.beginAttemptLocked()
	d.startTickerLocked()
	d.mu.Unlock()

	d.open(ctx, gen)
}

// Reconnect drops the current transport handle and starts a fresh attempt.
func (d *EventBus) Reconnect() {
	d.apply(d.reconnect(false))
}

// reconnect restarts the transport. A timer-driven call only proceeds while its reconnect is still
// pending and the bus was not closed; it never clears an explicit close.
func (d *EventBus) reconnect(fromTimer bool) effects {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if fromTimer {
		if !d.reconnectPending || d.explicitClose {
			d.mu.Unlock()
			return effects{}
		}

		d.reconnectPending = false
		d.reconnectTimer = nil
	} else {
		d.explicitClose = false
		d.cancelReconnectLocked()
	}

	wasOpen := d.state == cbus.Open
	gen, ctx := d.beginAttemptLocked()
	d.startTickerLocked()
	d.mu.Unlock()

	if err := d.transport.Close(); err != nil {
		d.logger.Debug("eventbus: closing stale transport", "err", err)
	}

	d.open(ctx, gen)

	if !wasOpen {
		return effects{}
	}

	return effects{events: []cbus.Event{d.event(cbus.EventDisconnected, nil)}}
}

// Close terminates the transport and stops the state check. Buffered entries are kept for the
// next Connect; new sends fail with ErrClosed until then.
func (d *EventBus) Close() {
	d.lifecycle.Lock()

	d.mu.Lock()
	if d.explicitClose && d.state == cbus.Closed {
		d.mu.Unlock()
		d.lifecycle.Unlock()

		return
	}

	d.explicitClose = true
	d.gen++
	gen := d.gen

	if d.cancelOpen != nil {
		d.cancelOpen()
		d.cancelOpen = nil
	}

	d.cancelReconnectLocked()
	d.stopTickerLocked()

	wasOpen := d.state == cbus.Open
	d.setStateLocked(cbus.Closing)
	d.mu.Unlock()

	if err := d.transport.Close(); err != nil {
		d.logger.Warn("eventbus: close transport", "err", err)
	}

	d.mu.Lock()
	if d.gen == gen {
		d.setStateLocked(cbus.Closed)
	}
	d.mu.Unlock()

	d.lifecycle.Unlock()

	if wasOpen {
		d.apply(effects{events: []cbus.Event{d.event(cbus.EventDisconnected, nil)}})
	}
}

// Send issues a point-to-point request. It is delivered now when the connection is open and
// authenticated, buffered otherwise. Immediate failures go to failure and are returned.
func (d *EventBus) Send(
	ctx context.Context,
	address string,
	body any,
	reply cbus.ReplyFunc,
	failure cbus.FailureFunc,
) error {
	return d.dispatch(entry{
		kind:    kindSend,
		ctx:     ctx,
		address: address,
		body:    body,
		headers: d.headers(ctx),
		reply:   reply,
		failure: failure,
	})
}

// Publish broadcasts body to address. Buffering rules are the same as Send.
func (d *EventBus) Publish(ctx context.Context, address string, body any) error {
	return d.dispatch(entry{
		kind:    kindPublish,
		ctx:     ctx,
		address: address,
		body:    body,
		headers: d.headers(ctx),
	})
}

// RegisterHandler adds h to address. The first handler of an address subscribes it on the
// transport when open; every later open subscribes it again. Handlers of a non-comparable type are
// never deduplicated and cannot be unregistered.
func (d *EventBus) RegisterHandler(address string, h cbus.Handler) {
	if h == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.registry.add(address, h) && d.state == cbus.Open {
		d.subscribeLocked(address)
	}
}

// UnregisterHandler removes h from address. Unknown pairs are ignored.
func (d *EventBus) UnregisterHandler(address string, h cbus.Handler) {
	if h == nil {
		return
	}

	if !identifiable(h) {
		d.logger.Warn("eventbus: unregister handler",
			"address", address,
			"err", fmt.Errorf("handler type %T is not comparable: %w", h, berr.ErrInvalidOptions))

		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	last, found := d.registry.remove(address, h)
	if !found {
		return
	}

	if last && d.state == cbus.Open {
		if err := d.transport.Unsubscribe(address); err != nil {
			d.logger.Warn("eventbus: unsubscribe", "address", address, "err", err)
		}
	}
}

// ReadyState reports the delegate's view of the connection.
func (d *EventBus) ReadyState() cbus.ReadyState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// LoginState reports the current login gate.
func (d *EventBus) LoginState() cbus.LoginState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.login
}

// GetOptions returns a copy of the options snapshot.
func (d *EventBus) GetOptions() cbus.Options { return d.opts }

// BufferLen reports how many sends and publishes are waiting.
func (d *EventBus) BufferLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.buf.len()
}

// ClearBuffer discards every pending entry and reports ErrAborted to their failure handlers.
func (d *EventBus) ClearBuffer() {
	d.mu.Lock()
	pending := d.buf.drain()
	d.metrics.ObserveBuffer(0)
	d.mu.Unlock()

	for _, e := range pending {
		d.metrics.IncDropped(berr.ErrCodeAborted)

		if e.failure != nil {
			e.failure(fmt.Errorf("%s %s: %w", e.kind, e.address, berr.ErrAborted))
		}
	}
}

// OnOpen calls fn every time the connection opens, until cancel is called.
func (d *EventBus) OnOpen(fn func()) (cancel func()) {
	return d.observers.add(func(ev cbus.Event) {
		if ev.Type == cbus.EventConnected {
			fn()
		}
	})
}

// OnClose calls fn every time an open connection closes, until cancel is called.
func (d *EventBus) OnClose(fn func()) (cancel func()) {
	return d.observers.add(func(ev cbus.Event) {
		if ev.Type == cbus.EventDisconnected {
			fn()
		}
	})
}

// Observe receives every lifecycle event, named with the configured prefix.
func (d *EventBus) Observe(fn func(cbus.Event)) (cancel func()) {
	return d.observers.add(fn)
}

// effects are caller-visible consequences collected under the lock and run after it is released.
type effects struct {
	events   []cbus.Event
	failures []func()
}

func (d *EventBus) apply(fx effects) {
	for _, ev := range fx.events {
		if d.opts.Debug {
			d.logger.Debug("eventbus: event", "name", ev.Name, "err", ev.Err)
		}

		d.observers.notify(ev)
	}

	for _, f := range fx.failures {
		f()
	}
}

func (d *EventBus) event(t cbus.EventType, err error) cbus.Event {
	return cbus.Event{Type: t, Name: cbus.EventName(d.opts.Prefix, t), Err: err}
}

func (d *EventBus) setStateLocked(s cbus.ReadyState) {
	if d.state == s {
		return
	}

	if d.opts.Debug {
		d.logger.Debug("eventbus: state", "from", d.state.String(), "to", s.String())
	}

	d.state = s
	d.metrics.ObserveState(s)
}

func (d *EventBus) resetLoginLocked() {
	if d.opts.LoginRequired {
		d.login = cbus.LoginPending
		return
	}

	d.login = cbus.LoginNotRequired
}

// gatePassedLocked reports whether application traffic may reach the transport.
func (d *EventBus) gatePassedLocked() bool {
	return !d.opts.LoginRequired || d.login == cbus.LoginAuthenticated
}

func (d *EventBus) headers(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}

	h := make(map[string]string)
	d.propagator.Inject(ctx, h)

	if len(h) == 0 {
		return nil
	}

	return h
}

func (d *EventBus) dispatch(e entry) error {
	if e.ctx == nil {
		e.ctx = context.Background()
	}

	var fx effects

	d.mu.Lock()
	err := d.dispatchLocked(e, &fx)
	d.mu.Unlock()

	d.apply(fx)

	if err != nil {
		d.metrics.IncDropped(berr.CodeOf(err))

		if e.failure != nil {
			e.failure(err)
		}
	}

	return err
}

func (d *EventBus) dispatchLocked(e entry, fx *effects) error {
	if d.explicitClose {
		return fmt.Errorf("%s %s: %w", e.kind, e.address, berr.ErrClosed)
	}

	if d.state != cbus.Open || !d.gatePassedLocked() {
		return d.holdLocked(e)
	}

	// Older entries still waiting go first.
	if d.buf.len() > 0 {
		if err := d.holdLocked(e); err != nil {
			return err
		}

		d.flushLocked(fx)

		return nil
	}

	err := d.deliverLocked(e)
	if err != nil && errors.Is(err, berr.ErrTransportUnavailable) {
		if d.buf.push(d.detach(e)) == nil {
			d.metrics.ObserveBuffer(d.buf.len())
			return nil
		}
	}

	return err
}

// holdLocked buffers e, explaining a rejection by what kept e from being sent.
func (d *EventBus) holdLocked(e entry) error {
	if err := d.buf.push(d.detach(e)); err != nil {
		reason := berr.ErrTransportUnavailable
		if d.state == cbus.Open && !d.gatePassedLocked() {
			reason = berr.ErrLoginRequired
		}

		return fmt.Errorf("%s %s: %w", e.kind, e.address, errors.Join(reason, err))
	}

	d.metrics.ObserveBuffer(d.buf.len())

	return nil
}

// detach keeps context values but drops cancellation: a buffered entry outlives its caller.
func (d *EventBus) detach(e entry) entry {
	e.ctx = context.WithoutCancel(e.ctx)
	return e
}

func (d *EventBus) deliverLocked(e entry) error {
	var err error

	switch e.kind {
	case kindSend:
		err = d.transport.Send(e.ctx, e.address, e.body, e.headers, e.reply)
	case kindPublish:
		err = d.transport.Publish(e.ctx, e.address, e.body, e.headers)
	}

	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%s %s: %w", e.kind, e.address, errors.Join(berr.ErrTransportError, err))
}

// flushLocked replays the buffer in FIFO order. A transient unavailability stops the replay with the
// entry left at the head; any other failure drops the entry and reports it.
func (d *EventBus) flushLocked(fx *effects) {
	flushed := 0

	for {
		e, ok := d.buf.peek()
		if !ok {
			break
		}

		err := d.deliverLocked(e)
		if err != nil && errors.Is(err, berr.ErrTransportUnavailable) {
			d.logger.Debug("eventbus: flush interrupted", "pending", d.buf.len(), "err", err)
			break
		}

		d.buf.pop()

		if err != nil {
			d.metrics.IncDropped(berr.CodeOf(err))
			d.logger.Warn("eventbus: dropped buffered message", "kind", e.kind.String(), "address", e.address, "err", err)

			if e.failure != nil {
				failure := e.failure
				fx.failures = append(fx.failures, func() { failure(err) })
			}

			continue
		}

		flushed++
	}

	if flushed > 0 {
		d.metrics.IncFlushed(flushed)
	}

	d.metrics.ObserveBuffer(d.buf.len())
}

func (d *EventBus) subscribeLocked(address string) {
	if err := d.transport.Subscribe(address, d.registry.dispatcher(address)); err != nil {
		d.logger.Warn("eventbus: subscribe", "address", address, "err", err)
	}
}

func (d *EventBus) resubscribeLocked() {
	for _, address := range d.registry.addresses() {
		d.subscribeLocked(address)
	}
}
