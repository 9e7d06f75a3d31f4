package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/docbridge/client"
	"github.com/fxsml/docbridge/codec"
)

func newExecCommand(a *app) *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "exec DATABASE [COLLECTION] OPERATION",
		Short: "Execute one command and print the reply as Extended JSON",
		Example: `  docbridge exec test_db users find --args '{"filter": {"name": "ada"}}'
  docbridge exec test_db users insert_one --args '{"document": {"name": "grace"}}'
  docbridge exec test_db list_collection_names`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, collection, operation := args[0], "", args[1]
			if len(args) == 3 {
				collection, operation = args[1], args[2]
			}
			arguments, err := codec.ExtJSON().Decode([]byte(rawArgs))
			if err != nil {
				return fmt.Errorf("--args: %w", err)
			}
			return a.exec(cmd.Context(), client.NewCommand(database, collection, operation, arguments))
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "", "command arguments as Extended JSON")
	cmd.Flags().Duration("timeout", 0, "reply timeout (default from DOCBRIDGE_CLIENT_DEFAULT_TIMEOUT or 5s)")
	return cmd
}

func (a *app) exec(ctx context.Context, cmd client.Command) error {
	conn, err := newConn(a.cfg.Session, a.logger)
	if err != nil {
		return err
	}
	c, err := client.Dial(ctx, conn, sessionConfig(a.cfg.Session, a.logger), client.Config{
		ResponseTopicPrefix: a.cfg.Client.ResponseTopicPrefix,
		DefaultTimeout:      a.cfg.Client.DefaultTimeout,
		Logger:              a.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}()

	res, err := c.Execute(ctx, cmd, 0)
	if err != nil {
		return err
	}
	a.logger.Debug("Command completed", "topic", res.Topic, "key", res.Key, "responder", res.Responder, "latency", res.Latency)

	out, err := codec.ExtJSON().Encode(res.Document)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, string(out))
	return err
}
