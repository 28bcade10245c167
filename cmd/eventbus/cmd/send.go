package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

var noReply bool

var sendCmd = &cobra.Command{
	Use:   "send <address> <body>",
	Short: "Send a request to one handler and print the reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bus, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer bus.Close()

		if noReply {
			return bus.Send(cmd.Context(), args[0], parseBody(args[1]), nil, nil)
		}

		type result struct {
			msg cbus.Message
			err error
		}

		done := make(chan result, 1)

		err = bus.Send(cmd.Context(), args[0], parseBody(args[1]),
			func(m cbus.Message, err error) { done <- result{m, err} },
			func(err error) { done <- result{err: err} },
		)
		if err != nil {
			return err
		}

		ctx, stop := context.WithTimeout(cmd.Context(), timeout)
		defer stop()

		select {
		case r := <-done:
			if r.err != nil {
				return r.err
			}

			printMessage(r.msg)

			return nil
		case <-ctx.Done():
			return fmt.Errorf("no reply from %s: %w", args[0], ctx.Err())
		}
	},
}

func init() {
	sendCmd.Flags().BoolVar(&noReply, "no-reply", false, "do not wait for a reply")
}
