package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/fxsml/docbridge/config"
	"github.com/fxsml/docbridge/session"
	"github.com/fxsml/docbridge/transport"
	"github.com/fxsml/docbridge/transport/amqp"
	"github.com/fxsml/docbridge/transport/memory"
	"github.com/fxsml/docbridge/transport/nats"
	"github.com/fxsml/docbridge/transport/redis"
)

// memoryBroker backs every memory:// endpoint in this process.
var memoryBroker = sync.OnceValue(func() *memory.Broker {
	return memory.NewBroker(memory.Config{})
})

// newConn selects the transport adapter from the endpoint scheme.
func newConn(cfg config.Session, logger *slog.Logger) (transport.Conn, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", cfg.Endpoint, err)
	}
	switch u.Scheme {
	case "nats", "tls":
		return nats.New(nats.Config{NoReconnect: !cfg.Reconnect, Logger: logger}), nil
	case "amqp", "amqps":
		return amqp.New(amqp.Config{NoReconnect: !cfg.Reconnect, Logger: logger}), nil
	case "redis", "rediss":
		return redis.New(redis.Config{NoReconnect: !cfg.Reconnect, Logger: logger}), nil
	case "memory":
		return memoryBroker().Conn(), nil
	}
	return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
}

func sessionConfig(cfg config.Session, logger *slog.Logger) session.Config {
	return session.Config{
		Endpoint:           cfg.Endpoint,
		Identity:           cfg.Identity,
		InboundBuffer:      cfg.InboundBuffer,
		HandlerConcurrency: cfg.HandlerConcurrency,
		Logger:             logger,
	}
}
