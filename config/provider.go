package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
	"github.com/next-trace/scg-eventbus/delegate"
	"github.com/next-trace/scg-eventbus/servicebus"
)

const (
	DefaultPrefix             = "vertx-eventbus."
	DefaultStateCheckInterval = 10 * time.Second
	DefaultBufferCapacity     = 10000
)

// Defaults returns the lowest precedence layer of options.
func Defaults() cbus.Options {
	return cbus.Options{
		Enabled:            true,
		Prefix:             DefaultPrefix,
		StateCheckInterval: DefaultStateCheckInterval,
		BufferCapacity:     DefaultBufferCapacity,
	}
}

// Provider collects module-wide settings. Setters are chainable and are meant to be called
// during startup; the first Service call freezes the provider and later setters panic with
// ErrConfigFrozen.
//
// Values set here sit above Defaults and below the overrides of a transport implementing
// bus.OverridesProvider.
type Provider struct {
	mu     sync.Mutex
	opts   cbus.Options
	errs   []error
	frozen bool
}

// NewProvider returns a provider holding Defaults.
func NewProvider() *Provider {
	return &Provider{opts: Defaults()}
}

func (p *Provider) set(name string, fn func(o *cbus.Options) error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frozen {
		panic(fmt.Errorf("config: %s after first use: %w", name, berr.ErrConfigFrozen))
	}

	if err := fn(&p.opts); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
	}

	return p
}

// Enable switches between the active and the no-op delegate.
func (p *Provider) Enable(v bool) *Provider {
	return p.set("Enable", func(o *cbus.Options) error { o.Enabled = v; return nil })
}

// UseDebug turns on debug logging of state changes, events and forwarded errors.
func (p *Provider) UseDebug(v bool) *Provider {
	return p.set("UseDebug", func(o *cbus.Options) error { o.Debug = v; return nil })
}

// UsePrefix sets the prefix of lifecycle event names.
func (p *Provider) UsePrefix(prefix string) *Provider {
	return p.set("UsePrefix", func(o *cbus.Options) error { o.Prefix = prefix; return nil })
}

// RequireLogin holds application traffic until Login succeeds.
func (p *Provider) RequireLogin(v bool) *Provider {
	return p.set("RequireLogin", func(o *cbus.Options) error { o.LoginRequired = v; return nil })
}

// UseSockJSStateInterval sets how often the delegate polls the transport state. Zero disables the check.
func (p *Provider) UseSockJSStateInterval(d time.Duration) *Provider {
	return p.set("UseSockJSStateInterval", func(o *cbus.Options) error {
		if d < 0 {
			return fmt.Errorf("negative interval %s", d)
		}

		o.StateCheckInterval = d

		return nil
	})
}

// UseMessageBuffer sets the buffer capacity. Zero disables buffering.
func (p *Provider) UseMessageBuffer(capacity int) *Provider {
	return p.set("UseMessageBuffer", func(o *cbus.Options) error {
		if capacity < 0 {
			return fmt.Errorf("negative capacity %d", capacity)
		}

		o.BufferCapacity = capacity

		return nil
	})
}

// UseLoginInterceptor installs a custom login strategy.
func (p *Provider) UseLoginInterceptor(fn cbus.LoginInterceptor) *Provider {
	return p.set("UseLoginInterceptor", func(o *cbus.Options) error {
		if fn == nil {
			return errors.New("nil interceptor")
		}

		o.LoginInterceptor = fn

		return nil
	})
}

// ConfigureLoginInterceptor installs the standard login strategy: the body built from the
// credentials is sent to address and the reply decides the outcome. A nil builder uses FindOneUser.
func (p *Provider) ConfigureLoginInterceptor(address string, builder cbus.LoginBodyBuilder) *Provider {
	return p.set("ConfigureLoginInterceptor", func(o *cbus.Options) error {
		if address == "" {
			return errors.New("empty login address")
		}

		o.LoginInterceptor = SendTo(address, builder)

		return nil
	})
}

// Options returns the module-wide layer without transport overrides.
func (p *Provider) Options() cbus.Options {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.opts
}

// Build merges the layers for transport t and validates the result.
func (p *Provider) Build(t cbus.Transport) (cbus.Options, error) {
	p.mu.Lock()
	opts := p.opts
	errs := append([]error(nil), p.errs...)
	p.mu.Unlock()

	if op, ok := t.(cbus.OverridesProvider); ok {
		opts = opts.Apply(op.OptionOverrides())
	}

	errs = append(errs, validate(opts)...)
	if len(errs) > 0 {
		return cbus.Options{}, fmt.Errorf("config: %w", errors.Join(append([]error{berr.ErrInvalidOptions}, errs...)...))
	}

	return opts, nil
}

// Service freezes the provider and returns the facade over a delegate for t. Enabled is read once
// here: the active delegate owns t, the no-op delegate never touches it.
func (p *Provider) Service(t cbus.Transport, logger *slog.Logger, o ...delegate.Option) (*servicebus.Bus, error) {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()

	opts, err := p.Build(t)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	if !opts.Enabled {
		return servicebus.New(delegate.NewNoop(opts), logger), nil
	}

	if t == nil {
		return nil, fmt.Errorf("config: enabled without a transport: %w", berr.ErrInvalidOptions)
	}

	d := delegate.New(t, opts, append([]delegate.Option{delegate.WithLogger(logger)}, o...)...)

	return servicebus.New(d, logger), nil
}

func validate(o cbus.Options) []error {
	var errs []error

	if o.StateCheckInterval < 0 {
		errs = append(errs, fmt.Errorf("negative state check interval %s", o.StateCheckInterval))
	}

	if o.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("negative buffer capacity %d", o.BufferCapacity))
	}

	if o.LoginRequired && o.LoginInterceptor == nil {
		errs = append(errs, errors.New("login required without a login interceptor"))
	}

	return errs
}
