// Package nats provides a NATS adapter implementing transport.Conn.
//
// # Topic Semantics
//
// Topics map to subjects token by token: "mongodb/db/find" becomes
// "mongodb.db.find", "+" becomes "*" and "#" becomes ">". Reply topics use
// the native NATS reply subject; the remaining metadata travels in
// message headers, so servers must support headers (NATS 2.2+).
//
// # Usage
//
//	conn := nats.New(nats.Config{})
//	err := conn.Connect(ctx, transport.Options{
//	    Endpoint: "nats://localhost:4222",
//	    Identity: "docbridge-client",
//	})
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fxsml/docbridge/transport"
	"github.com/nats-io/nats.go"
)

// Header names carrying transport.Metadata.
const (
	HeaderCorrelationKey = "Correlation-Key"
	HeaderResponseTopic  = "Response-Topic"
	HeaderResponder      = "Responder"
	HeaderContentType    = "Content-Type"
	HeaderExpiry         = "Expiry"
	HeaderError          = "Error"
)

// Config configures the NATS adapter.
type Config struct {
	// ConnectTimeout is the timeout for the initial connection.
	// Default is 5 seconds.
	ConnectTimeout time.Duration

	// FlushTimeout bounds the server round trip after Subscribe and
	// before Disconnect. Default is 1 second.
	FlushTimeout time.Duration

	// NoReconnect disables the client's automatic reconnection.
	NoReconnect bool

	// MaxReconnects caps reconnect attempts; -1 retries forever.
	// Zero uses the nats.go default.
	MaxReconnects int

	// ReconnectWait is the delay between reconnect attempts.
	// Zero uses the nats.go default.
	ReconnectWait time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Conn is a NATS connection.
type Conn struct {
	config Config

	mu      sync.Mutex
	conn    *nats.Conn
	closing bool
}

var _ transport.Conn = (*Conn)(nil)

// New creates a new, unconnected NATS adapter.
func New(config Config) *Conn {
	return &Conn{config: config.applyDefaults()}
}

// Connect dials opts.Endpoint.
func (c *Conn) Connect(ctx context.Context, opts transport.Options) error {
	natsOpts := []nats.Option{
		nats.Name(opts.Identity),
		nats.Timeout(c.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.isClosing() {
				return
			}
			c.config.Logger.Warn("NATS disconnected", "error", err)
			if opts.OnConnectionLost != nil {
				if err == nil {
					err = errors.New("nats: disconnected")
				}
				opts.OnConnectionLost(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.config.Logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			if opts.OnReconnected != nil {
				opts.OnReconnected()
			}
		}),
	}
	if c.config.NoReconnect {
		natsOpts = append(natsOpts, nats.NoReconnect())
	} else {
		if c.config.MaxReconnects != 0 {
			natsOpts = append(natsOpts, nats.MaxReconnects(c.config.MaxReconnects))
		}
		if c.config.ReconnectWait > 0 {
			natsOpts = append(natsOpts, nats.ReconnectWait(c.config.ReconnectWait))
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}
	conn, err := nats.Connect(opts.Endpoint, natsOpts...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrConnect, opts.Endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.mu.Unlock()

	c.config.Logger.Info("NATS connected", "url", conn.ConnectedUrl(), "identity", opts.Identity)
	return nil
}

// Subscribe subscribes to every subject covering filter.
func (c *Conn) Subscribe(ctx context.Context, filter string, h transport.Handler) (transport.Subscription, error) {
	conn := c.current()
	if conn == nil {
		return nil, transport.ErrNotConnected
	}

	s := &subscription{filter: filter}
	for _, subject := range SubjectsFromFilter(filter) {
		ns, err := conn.Subscribe(subject, func(m *nats.Msg) {
			h(fromNATS(m))
		})
		if err != nil {
			s.Unsubscribe()
			return nil, fmt.Errorf("%w: %s: %w", transport.ErrSubscribe, subject, err)
		}
		s.subs = append(s.subs, ns)
	}

	// The flush makes the subscription active on the server before we return.
	if err := conn.FlushTimeout(c.config.FlushTimeout); err != nil {
		s.Unsubscribe()
		return nil, fmt.Errorf("%w: flush: %w", transport.ErrSubscribe, err)
	}
	if err := conn.LastError(); err != nil {
		s.Unsubscribe()
		return nil, fmt.Errorf("%w: %w", transport.ErrSubscribe, err)
	}

	c.config.Logger.Debug("NATS subscription started", "filter", filter)
	return s, nil
}

// Publish publishes msg with metadata in headers.
func (c *Conn) Publish(ctx context.Context, msg transport.Message) error {
	conn := c.current()
	if conn == nil {
		return transport.ErrNotConnected
	}
	if err := conn.PublishMsg(toNATS(msg)); err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrPublish, msg.Topic, err)
	}
	return nil
}

// Disconnect flushes pending messages and closes the connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closing = true
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.FlushTimeout(c.config.FlushTimeout); err != nil {
		c.config.Logger.Debug("NATS flush before close failed", "error", err)
	}
	conn.Close()
	return nil
}

func (c *Conn) current() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

type subscription struct {
	filter string
	mu     sync.Mutex
	subs   []*nats.Subscription
}

func (s *subscription) Filter() string { return s.filter }

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, ns := range subs {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toNATS(msg transport.Message) *nats.Msg {
	m := nats.NewMsg(SubjectFromTopic(msg.Topic))
	m.Data = msg.Payload
	if msg.Metadata.ReplyTo != "" {
		m.Reply = SubjectFromTopic(msg.Metadata.ReplyTo)
	}
	md := msg.Metadata
	setHeader(m, HeaderCorrelationKey, md.CorrelationKey)
	setHeader(m, HeaderResponder, md.Responder)
	setHeader(m, HeaderContentType, md.ContentType)
	setHeader(m, HeaderError, md.Error)
	for _, rt := range md.ResponseTopics {
		m.Header.Add(HeaderResponseTopic, rt)
	}
	if !md.Expiry.IsZero() {
		m.Header.Set(HeaderExpiry, md.Expiry.UTC().Format(time.RFC3339Nano))
	}
	return m
}

func setHeader(m *nats.Msg, key, value string) {
	if value != "" {
		m.Header.Set(key, value)
	}
}

func fromNATS(m *nats.Msg) transport.Message {
	msg := transport.Message{
		Topic:   TopicFromSubject(m.Subject),
		Payload: m.Data,
	}
	if m.Reply != "" {
		msg.Metadata.ReplyTo = TopicFromSubject(m.Reply)
	}
	if m.Header == nil {
		return msg
	}
	msg.Metadata.CorrelationKey = m.Header.Get(HeaderCorrelationKey)
	msg.Metadata.Responder = m.Header.Get(HeaderResponder)
	msg.Metadata.ContentType = m.Header.Get(HeaderContentType)
	msg.Metadata.Error = m.Header.Get(HeaderError)
	if rts := m.Header.Values(HeaderResponseTopic); len(rts) > 0 {
		msg.Metadata.ResponseTopics = slices.Clone(rts)
	}
	if raw := m.Header.Get(HeaderExpiry); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.Metadata.Expiry = t
		}
	}
	return msg
}
