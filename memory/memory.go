package memory

import (
	"github.com/next-trace/scg-eventbus/adapters/inmemory"
	"github.com/next-trace/scg-eventbus/config"
	"github.com/next-trace/scg-eventbus/servicebus"
)

// New constructs a connected event bus backed by a private in-memory broker and returns it along
// with a cleanup function that closes the bus and the broker.
func New() (*servicebus.Bus, func()) {
	broker := inmemory.NewBroker()

	// Defaults always validate.
	sb, err := config.NewProvider().Service(inmemory.NewTransport(broker), nil)
	if err != nil {
		panic(err)
	}

	sb.Connect()

	cleanup := func() {
		sb.Close()
		broker.Close()
	}

	return sb, cleanup
}
