package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/docbridge/session"
	"github.com/fxsml/docbridge/worker"
	"github.com/fxsml/docbridge/worker/mongo"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer command requests against MongoDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			exec, err := mongo.Connect(ctx, mongo.Config{URI: a.cfg.Worker.MongoURI, Logger: a.logger})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := exec.Close(closeCtx); err != nil {
					a.logger.Warn("MongoDB disconnect failed", "error", err)
				}
			}()
			return a.serve(ctx, exec)
		},
	}

	cmd.Flags().String("mongo-uri", "", "MongoDB connection string (default mongodb://localhost:27017)")
	cmd.Flags().String("base-topic", "", "request topic filter (default mongodb/#)")
	return cmd
}

// serve runs a worker with exec until ctx is done.
func (a *app) serve(ctx context.Context, exec worker.Executor) error {
	conn, err := newConn(a.cfg.Session, a.logger)
	if err != nil {
		return err
	}
	s := session.New(conn, sessionConfig(a.cfg.Session, a.logger))
	if err := s.Connect(ctx); err != nil {
		return err
	}

	w := worker.New(s, exec, worker.Config{BaseTopic: a.cfg.Worker.BaseTopic, Logger: a.logger})
	runErr := w.Run(ctx)

	a.logger.Info("Shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Disconnect(closeCtx))
}
