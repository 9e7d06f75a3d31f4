package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fxsml/docbridge/config"
)

type app struct {
	cfg    config.Config
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newApp(stdout, stderr).command()
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{cfg: config.Default(), stdout: stdout, stderr: stderr}
}

func (a *app) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docbridge",
		Short:         "Execute MongoDB commands over a message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	fs := cmd.PersistentFlags()
	fs.String("endpoint", "", "broker URL (nats://, amqp://, redis://, memory://)")
	fs.String("identity", "", "participant identity, generated when empty")
	fs.Bool("no-reconnect", false, "disable automatic reconnection")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: text or json")

	cmd.AddCommand(newExecCommand(a), newServeCommand(a))
	return cmd
}

// init loads the environment and applies flags that were set explicitly.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	fs := cmd.Flags()
	if fs.Changed("endpoint") {
		cfg.Session.Endpoint, _ = fs.GetString("endpoint")
	}
	if fs.Changed("identity") {
		cfg.Session.Identity, _ = fs.GetString("identity")
	}
	if fs.Changed("no-reconnect") {
		noReconnect, _ := fs.GetBool("no-reconnect")
		cfg.Session.Reconnect = !noReconnect
	}
	if fs.Changed("log-level") {
		cfg.Log.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("log-format") {
		cfg.Log.Format, _ = fs.GetString("log-format")
	}
	if fs.Changed("timeout") {
		cfg.Client.DefaultTimeout, _ = fs.GetDuration("timeout")
	}
	if fs.Changed("mongo-uri") {
		cfg.Worker.MongoURI, _ = fs.GetString("mongo-uri")
	}
	if fs.Changed("base-topic") {
		cfg.Worker.BaseTopic, _ = fs.GetString("base-topic")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(a.stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}
