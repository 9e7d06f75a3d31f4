// Package client issues database commands over a session and awaits their
// correlated replies.
//
//	s := session.New(conn, session.Config{Endpoint: "nats://localhost:4222"})
//	_ = s.Connect(ctx)
//	c, _ := client.New(s, client.Config{})
//	res, err := c.Execute(ctx, client.NewCommand("test_db", "users", "find", nil), 5*time.Second)
//
// Each call owns a fresh correlation key, so Execute is safe for concurrent
// use and replies may arrive in any order.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/correlation"
	"github.com/fxsml/docbridge/session"
	"github.com/fxsml/docbridge/topic"
	"github.com/fxsml/docbridge/transport"
)

// Config configures a Client.
type Config struct {
	// ResponseTopicPrefix is joined with the session identity to form the
	// topic replies are sent to. Default: "docbridge/response".
	ResponseTopicPrefix string

	// DefaultTimeout applies when Execute is called with a non-positive
	// timeout. Default: 5 seconds.
	DefaultTimeout time.Duration

	// Codec encodes command arguments. Default: codec.ExtJSON().
	Codec codec.Codec

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.ResponseTopicPrefix == "" {
		c.ResponseTopicPrefix = "docbridge/response"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.Codec == nil {
		c.Codec = codec.ExtJSON()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client executes commands over a session.
type Client struct {
	config        Config
	session       *session.Session
	responseTopic topic.Topic
	owned         bool
}

// New creates a client over s. The session must be connected before
// Execute is called.
func New(s *session.Session, config Config) (*Client, error) {
	config = config.applyDefaults()
	prefix, err := topic.Parse(config.ResponseTopicPrefix)
	if err != nil {
		return nil, fmt.Errorf("client: response topic prefix: %w", err)
	}
	rt, err := prefix.Append(topic.Sanitize(s.Identity()))
	if err != nil {
		return nil, fmt.Errorf("client: response topic: %w", err)
	}
	return &Client{config: config, session: s, responseTopic: rt}, nil
}

// Dial creates a session over conn, connects it and returns a client that
// owns the session. Close disconnects it.
func Dial(ctx context.Context, conn transport.Conn, sessionConfig session.Config, config Config) (*Client, error) {
	if sessionConfig.Logger == nil {
		sessionConfig.Logger = config.Logger
	}
	s := session.New(conn, sessionConfig)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	c, err := New(s, config)
	if err != nil {
		s.Disconnect(ctx)
		return nil, err
	}
	c.owned = true
	return c, nil
}

// ResponseTopic returns the topic this client receives replies on.
func (c *Client) ResponseTopic() topic.Topic { return c.responseTopic }

// Session returns the underlying session.
func (c *Client) Session() *session.Session { return c.session }

// Execute publishes cmd and waits for its reply. A non-positive timeout uses
// DefaultTimeout. Failures to reply in time return a *CommandError matching
// ErrCommandTimeout; worker failures match ErrRemote.
func (c *Client) Execute(ctx context.Context, cmd Command, timeout time.Duration) (*Result, error) {
	requestTopic, err := cmd.Topic()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}

	table := c.session.Table()
	key := uuid.NewString()
	entry, err := table.Register(key, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.session.Subscribe(ctx, c.responseTopic.String()); err != nil {
		table.Cancel(key)
		return nil, err
	}

	args := cmd.Arguments
	if args == nil {
		args = codec.Document{}
	}
	payload, err := c.config.Codec.Encode(args)
	if err != nil {
		table.Cancel(key)
		return nil, err
	}

	start := time.Now()
	err = c.session.Publish(ctx, transport.Message{
		Topic:   requestTopic.String(),
		Payload: payload,
		Metadata: transport.Metadata{
			CorrelationKey: key,
			ReplyTo:        c.responseTopic.String(),
			ContentType:    c.config.Codec.ContentType(),
			Expiry:         start.Add(timeout),
		},
	})
	if err != nil {
		table.Cancel(key)
		return nil, &CommandError{Topic: requestTopic.String(), Key: key, Err: err}
	}
	c.config.Logger.Debug("Command published", "topic", requestTopic, "key", key, "timeout", timeout)

	reply, err := table.Await(ctx, entry)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, correlation.ErrTimedOut) {
			err = fmt.Errorf("%w after %s: %w", ErrCommandTimeout, timeout, err)
			c.config.Logger.Warn("Command timed out", "topic", requestTopic, "key", key, "timeout", timeout)
		}
		return nil, &CommandError{Topic: requestTopic.String(), Key: key, Err: err}
	}

	if reply.Metadata.Error != "" {
		return nil, &CommandError{
			Topic: requestTopic.String(),
			Key:   key,
			Err:   &RemoteError{Responder: reply.Metadata.Responder, Message: reply.Metadata.Error},
		}
	}

	doc, err := codec.ByContentType(reply.Metadata.ContentType).Decode(reply.Payload)
	if err != nil {
		return nil, &CommandError{Topic: requestTopic.String(), Key: key, Err: err}
	}

	c.config.Logger.Debug("Command completed", "topic", requestTopic, "key", key, "latency", latency, "responder", reply.Metadata.Responder)
	return &Result{
		Document:  doc,
		Latency:   latency,
		Responder: reply.Metadata.Responder,
		Topic:     requestTopic,
		Key:       key,
	}, nil
}

// Close disconnects the session if the client owns it.
func (c *Client) Close(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	return c.session.Disconnect(ctx)
}
