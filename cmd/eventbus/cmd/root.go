// Package cmd contains the CLI commands for eventbus.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/next-trace/scg-eventbus/adapters/websocket"
	"github.com/next-trace/scg-eventbus/config"
	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	"github.com/next-trace/scg-eventbus/servicebus"
)

var (
	cfgFile  string
	url      string
	verbose  bool
	username string
	password string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "eventbus",
	Short: "Send, publish and listen on an event bus bridge",
	Long: `eventbus connects to an event bus bridge over WebSocket and lets you publish
messages, send requests and print whatever arrives on a set of addresses.

Settings come from --config, then EVENTBUS_* environment variables, then flags.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&url, "url", "", "bridge URL (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "log in with this user before doing anything")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "password for --username")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "connect, login and reply timeout")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// connect builds the bus, waits for it to open and logs in when asked to.
func connect(ctx context.Context) (*servicebus.Bus, error) {
	p, f, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if verbose {
		p.UseDebug(true)
	}

	if url != "" {
		f.URL = url
	}

	tr, err := websocket.New(websocket.Config{URL: f.URL})
	if err != nil {
		return nil, err
	}

	logger := newLogger()

	bus, err := p.Service(tr, logger)
	if err != nil {
		return nil, err
	}

	opened := make(chan struct{}, 1)
	cancel := bus.OnOpen(func() {
		select {
		case opened <- struct{}{}:
		default:
		}
	})
	defer cancel()

	bus.Connect()

	ctx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	select {
	case <-opened:
	case <-ctx.Done():
		bus.Close()
		return nil, fmt.Errorf("connect %s: %w", f.URL, ctx.Err())
	}

	logger.Debug("connected", "url", f.URL)

	if username == "" {
		return bus, nil
	}

	if err := login(ctx, bus); err != nil {
		bus.Close()
		return nil, err
	}

	return bus, nil
}

func login(ctx context.Context, bus *servicebus.Bus) error {
	done := make(chan error, 1)

	bus.Login(username, password, func(_ cbus.Message, err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("login: %w", ctx.Err())
	}
}

// parseBody treats the argument as JSON when it parses and as a plain string otherwise.
func parseBody(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}

	return arg
}

func printMessage(m cbus.Message) {
	fmt.Printf("%s\t%s\n", m.Address, m.Body)
}
