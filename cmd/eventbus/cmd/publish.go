package cmd

import (
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <address> <body>",
	Short: "Publish a message to every handler of an address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bus, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer bus.Close()

		return bus.Publish(cmd.Context(), args[0], parseBody(args[1]))
	},
}
