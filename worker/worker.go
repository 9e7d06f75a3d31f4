// Package worker answers command requests published under the "mongodb"
// namespace.
//
// For every request the worker parses the topic, decodes the arguments,
// runs the command through an [Executor] and publishes the encoded result
// to each valid reply topic with the request's correlation key. Executor
// failures are published as error replies so clients fail fast instead of
// timing out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/session"
	"github.com/fxsml/docbridge/transport"
)

// ErrExpired is reported when a request's expiry passed before or during execution.
var ErrExpired = errors.New("worker: request expired")

// Executor runs a parsed request.
type Executor interface {
	Execute(ctx context.Context, req Request) (codec.Document, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (codec.Document, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (codec.Document, error) {
	return f(ctx, req)
}

// Config configures a Worker.
type Config struct {
	// BaseTopic is the filter requests are received on.
	// Default: "mongodb/#".
	BaseTopic string

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.BaseTopic == "" {
		c.BaseTopic = Namespace + "/#"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker executes requests received over a session.
type Worker struct {
	config   Config
	session  *session.Session
	executor Executor
}

// New creates a worker. The session must be connected before Start.
func New(s *session.Session, exec Executor, config Config) *Worker {
	return &Worker{
		config:   config.applyDefaults(),
		session:  s,
		executor: exec,
	}
}

// Start subscribes to BaseTopic. Requests are handled on the session's
// handler pool until the session disconnects.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.session.Handle(ctx, w.config.BaseTopic, w.handle); err != nil {
		return err
	}
	w.config.Logger.Info("Worker started", "topic", w.config.BaseTopic, "responder", w.session.Identity())
	return nil
}

// Run starts the worker and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (w *Worker) handle(ctx context.Context, msg transport.Message) {
	logger := w.config.Logger.With("topic", msg.Topic, "key", msg.Metadata.CorrelationKey)

	replyTopics := ValidResponseTopics(append([]string{msg.Metadata.ReplyTo}, msg.Metadata.ResponseTopics...))
	expiry := msg.Metadata.Expiry
	if !expiry.IsZero() && time.Now().After(expiry) {
		logger.Warn("Dropping expired request", "expiry", expiry)
		return
	}

	c := codec.ByContentType(msg.Metadata.ContentType)
	result, err := w.execute(ctx, c, msg)
	if err != nil {
		logger.Error("Request failed", "error", err)
	}

	if len(replyTopics) == 0 {
		logger.Warn("No valid response topics, not responding", "reply_to", msg.Metadata.ReplyTo)
		return
	}

	reply := transport.Message{
		Metadata: transport.Metadata{
			CorrelationKey: msg.Metadata.CorrelationKey,
			Responder:      w.session.Identity(),
			ContentType:    c.ContentType(),
		},
	}
	if err != nil {
		reply.Metadata.Error = err.Error()
		result = codec.Document{}
	}
	payload, err := c.Encode(result)
	if err != nil {
		logger.Error("Failed to encode result", "error", err)
		reply.Metadata.Error = err.Error()
		payload, _ = c.Encode(codec.Document{})
	}
	reply.Payload = payload

	for _, rt := range replyTopics {
		reply.Topic = rt
		if err := w.session.Publish(ctx, reply); err != nil {
			logger.Error("Failed to publish reply", "response_topic", rt, "error", err)
			continue
		}
		logger.Debug("Reply published", "response_topic", rt)
	}
}

func (w *Worker) execute(ctx context.Context, c codec.Codec, msg transport.Message) (codec.Document, error) {
	req, err := ParseRequestTopic(msg.Topic)
	if err != nil {
		return nil, err
	}
	req.Arguments, err = c.Decode(msg.Payload)
	if err != nil {
		return nil, err
	}

	if expiry := msg.Metadata.Expiry; !expiry.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, expiry)
		defer cancel()
	}

	result, err := w.executor.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !msg.Metadata.Expiry.IsZero() && time.Now().After(msg.Metadata.Expiry) {
			return nil, fmt.Errorf("%w: %w", ErrExpired, err)
		}
		return nil, err
	}
	if result == nil {
		result = codec.Document{}
	}
	return result, nil
}
