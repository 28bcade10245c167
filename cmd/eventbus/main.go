// Command eventbus talks to a Vert.x-style event bus bridge from the terminal.
package main

import (
	"os"

	"github.com/next-trace/scg-eventbus/cmd/eventbus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
