package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

var listenCmd = &cobra.Command{
	Use:   "listen <address>...",
	Short: "Print every message arriving on the given addresses until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus, err := connect(ctx)
		if err != nil {
			return err
		}
		defer bus.Close()

		h := cbus.Handle(printMessage)
		for _, address := range args {
			bus.RegisterHandler(address, h)
		}

		logger := newLogger()
		cancel := bus.Observe(func(e cbus.Event) {
			logger.Debug("event", "name", e.Name, "err", e.Err)
		})
		defer cancel()

		<-ctx.Done()

		return nil
	},
}
