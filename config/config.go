// Package config holds the docbridge runtime configuration and loads it
// from the environment.
//
//	DOCBRIDGE_SESSION_ENDPOINT=nats://localhost:4222
//	DOCBRIDGE_SESSION_HANDLER_CONCURRENCY=32
//	DOCBRIDGE_CLIENT_DEFAULT_TIMEOUT=10s
//	DOCBRIDGE_WORKER_MONGO_URI=mongodb://db:27017
//	DOCBRIDGE_LOG_FORMAT=json
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Session configures the transport connection.
type Session struct {
	// Endpoint is the broker URL. Its scheme selects the transport:
	// nats, amqp, redis or memory.
	Endpoint string
	// Identity names this participant. Empty generates one.
	Identity string
	// InboundBuffer bounds queued inbound messages.
	InboundBuffer int
	// HandlerConcurrency bounds concurrently running request handlers.
	HandlerConcurrency int
	// Reconnect enables automatic reconnection after connection loss.
	Reconnect bool
}

// Client configures command execution.
type Client struct {
	// ResponseTopicPrefix is prepended to the identity to form the reply topic.
	ResponseTopicPrefix string
	// DefaultTimeout applies when a command is executed without a timeout.
	DefaultTimeout time.Duration
}

// Worker configures the command responder.
type Worker struct {
	// MongoURI is the MongoDB connection string.
	MongoURI string
	// BaseTopic is the filter requests are received on.
	BaseTopic string
}

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is text or json.
	Format string
}

// Config is the complete runtime configuration.
type Config struct {
	Session Session
	Client  Client
	Worker  Worker
	Log     Log
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Session: Session{
			Endpoint:           "nats://localhost:4222",
			InboundBuffer:      256,
			HandlerConcurrency: 16,
			Reconnect:          true,
		},
		Client: Client{
			ResponseTopicPrefix: "docbridge/response",
			DefaultTimeout:      5 * time.Second,
		},
		Worker: Worker{
			MongoURI:  "mongodb://localhost:27017",
			BaseTopic: "mongodb/#",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// FromEnv returns Default overlaid with DOCBRIDGE_* variables.
func FromEnv() (Config, error) {
	return Loader{}.Config()
}

// Config returns Default overlaid with the loader's variables.
func (l Loader) Config() (Config, error) {
	c := Default()
	if err := l.Load("", &c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.Session.Endpoint)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("config: invalid endpoint %q", c.Session.Endpoint)
	}
	if c.Session.InboundBuffer < 0 || c.Session.HandlerConcurrency < 0 {
		return fmt.Errorf("config: buffer and concurrency must not be negative")
	}
	if c.Client.DefaultTimeout < 0 {
		return fmt.Errorf("config: default timeout must not be negative")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func (l Log) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds a text or JSON logger writing to w.
func (l Log) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
