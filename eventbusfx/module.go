// Package eventbusfx wires the event bus into an fx application: it builds the Bus from a
// config.Provider and a transport, connects on start and closes on stop.
package eventbusfx

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/next-trace/scg-eventbus/config"
	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	"github.com/next-trace/scg-eventbus/delegate"
	"github.com/next-trace/scg-eventbus/servicebus"
)

var Module = fx.Module("eventbus",
	fx.Provide(ProvideBus),
	fx.Invoke(registerLifecycle),
)

// Input lists what ProvideBus consumes. Only the provider is required; a disabled provider
// needs no transport.
type Input struct {
	fx.In
	Provider   *config.Provider
	Transport  cbus.Transport        `optional:"true"`
	Logger     *slog.Logger          `optional:"true"`
	Metrics    cbus.Metrics          `optional:"true"`
	Propagator cbus.HeaderPropagator `optional:"true"`
}

// ProvideBus freezes the provider and builds the Bus.
func ProvideBus(in Input) (*servicebus.Bus, error) {
	return in.Provider.Service(in.Transport, in.Logger,
		delegate.WithMetrics(in.Metrics),
		delegate.WithPropagator(in.Propagator),
	)
}

func registerLifecycle(lc fx.Lifecycle, b *servicebus.Bus) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			b.Connect()
			return nil
		},
		OnStop: func(context.Context) error {
			b.Close()
			return nil
		},
	})
}
