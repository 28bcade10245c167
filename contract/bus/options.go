package bus

import "time"

// LoginInterceptor turns credentials into an authentication request sent over the bus.
// send goes straight to the transport; next must be called exactly once with the login reply.
type LoginInterceptor func(send SendFunc, username, password string, next ReplyFunc)

// LoginBodyBuilder builds the body of the authentication request for ConfigureLoginInterceptor.
type LoginBodyBuilder interface {
	Build(username, password string) any
}

// LoginBodyBuilderFunc adapts a function to LoginBodyBuilder.
type LoginBodyBuilderFunc func(username, password string) any

func (f LoginBodyBuilderFunc) Build(username, password string) any { return f(username, password) }

// Options is the effective, immutable configuration of one delegate.
// It is passed by value; a delegate never exposes a way to mutate its copy.
type Options struct {
	Enabled            bool
	Debug              bool
	LoginRequired      bool
	Prefix             string
	StateCheckInterval time.Duration
	BufferCapacity     int
	LoginInterceptor   LoginInterceptor
}

// Overrides carries optional values layered over Options. Nil fields leave the lower layer untouched.
type Overrides struct {
	Enabled            *bool
	Debug              *bool
	LoginRequired      *bool
	Prefix             *string
	StateCheckInterval *time.Duration
	BufferCapacity     *int
	LoginInterceptor   LoginInterceptor
}

// Apply returns o with every non-nil field of ov applied.
func (o Options) Apply(ov Overrides) Options {
	if ov.Enabled != nil {
		o.Enabled = *ov.Enabled
	}

	if ov.Debug != nil {
		o.Debug = *ov.Debug
	}

	if ov.LoginRequired != nil {
		o.LoginRequired = *ov.LoginRequired
	}

	if ov.Prefix != nil {
		o.Prefix = *ov.Prefix
	}

	if ov.StateCheckInterval != nil {
		o.StateCheckInterval = *ov.StateCheckInterval
	}

	if ov.BufferCapacity != nil {
		o.BufferCapacity = *ov.BufferCapacity
	}

	if ov.LoginInterceptor != nil {
		o.LoginInterceptor = ov.LoginInterceptor
	}

	return o
}

// OverridesProvider is implemented by transports that supply instance-time option overrides.
// These take precedence over module-wide settings.
type OverridesProvider interface {
	OptionOverrides() Overrides
}
