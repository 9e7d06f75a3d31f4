// Package amqp provides a RabbitMQ adapter implementing transport.Conn.
//
// # Topic Semantics
//
// All traffic goes through a single topic exchange. Topics become routing
// keys ("mongodb/db/find" is "mongodb.db.find") and filters become binding
// keys, with "+" as "*" and "#" as "#". Each Subscribe declares an
// exclusive, auto-deleted queue bound with the filter's binding key.
//
// Metadata maps onto AMQP properties: CorrelationKey is correlation-id,
// ReplyTo is reply-to, Responder is app-id. Expiry is sent both as the
// per-message TTL and as an absolute header so the receiver sees the same
// deadline the sender set.
//
// # Reconnection
//
// When the broker closes the connection with an error, OnConnectionLost
// fires and the adapter redials with exponential backoff. Subscriptions do
// not survive a reconnect; OnReconnected fires once a new connection is up.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/docbridge/transport"
)

// Header names carrying metadata without a native AMQP property.
const (
	HeaderExpiry         = "x-docbridge-expiry"
	HeaderError          = "x-docbridge-error"
	HeaderResponseTopics = "x-docbridge-response-topics"
)

// Config configures the RabbitMQ adapter.
type Config struct {
	// Exchange is the topic exchange all messages go through.
	// Default is "docbridge".
	Exchange string

	// Durable determines if the exchange survives broker restart.
	Durable bool

	// ReconnectInitialInterval is the first delay between reconnect attempts.
	// Default is 500 milliseconds.
	ReconnectInitialInterval time.Duration

	// ReconnectMaxInterval caps the delay between reconnect attempts.
	// Default is 30 seconds.
	ReconnectMaxInterval time.Duration

	// NoReconnect disables automatic reconnection.
	NoReconnect bool

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "docbridge"
	}
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// link is the part of *amqp.Connection the adapter depends on.
type link interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Channel() (*amqp.Channel, error)
	Close() error
}

type dialFunc func(opts transport.Options) (link, *amqp.Channel, error)

// Conn is a RabbitMQ connection.
type Conn struct {
	config Config
	dialer dialFunc

	mu      sync.Mutex
	opts    transport.Options
	conn    link
	pub     *amqp.Channel
	subs    map[*subscription]struct{}
	closing bool
	stop    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

// New creates a new, unconnected RabbitMQ adapter.
func New(config Config) *Conn {
	c := &Conn{
		config: config.applyDefaults(),
		subs:   make(map[*subscription]struct{}),
	}
	c.dialer = c.dial
	return c
}

// Connect dials opts.Endpoint and declares the exchange.
func (c *Conn) Connect(ctx context.Context, opts transport.Options) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}
	conn, pub, err := c.dialer(opts)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}

	c.mu.Lock()
	c.opts = opts
	c.closing = false
	c.stop = make(chan struct{})
	c.install(conn, pub)
	c.mu.Unlock()

	c.config.Logger.Info("RabbitMQ connected", "exchange", c.config.Exchange, "identity", opts.Identity)
	return nil
}

func (c *Conn) dial(opts transport.Options) (link, *amqp.Channel, error) {
	props := amqp.NewConnectionProperties()
	if opts.Identity != "" {
		props.SetClientConnectionName(opts.Identity)
	}
	conn, err := amqp.DialConfig(opts.Endpoint, amqp.Config{Properties: props})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.config.Exchange, // name
		"topic",           // type
		c.config.Durable,  // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", c.config.Exchange, err)
	}
	return conn, ch, nil
}

// install must be called with c.mu held.
func (c *Conn) install(conn link, pub *amqp.Channel) {
	c.conn = conn
	c.pub = pub
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	stop := c.stop
	go c.watch(closed, stop)
}

func (c *Conn) watch(closed <-chan *amqp.Error, stop <-chan struct{}) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-closed:
	case <-stop:
		return
	}
	if amqpErr == nil {
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.pub = nil
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	opts := c.opts
	c.mu.Unlock()

	for s := range subs {
		s.markClosed()
	}

	c.config.Logger.Warn("RabbitMQ connection lost", "error", amqpErr)
	if opts.OnConnectionLost != nil {
		opts.OnConnectionLost(amqpErr)
	}
	if !c.config.NoReconnect {
		c.reconnect(opts, stop)
	}
}

func (c *Conn) reconnect(opts transport.Options, stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInitialInterval
	b.MaxInterval = c.config.ReconnectMaxInterval
	b.MaxElapsedTime = 0

	var conn link
	var pub *amqp.Channel
	err := backoff.RetryNotify(func() error {
		var err error
		conn, pub, err = c.dialer(opts)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.config.Logger.Debug("RabbitMQ reconnect failed", "error", err, "retry_in", next)
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.install(conn, pub)
	c.mu.Unlock()

	c.config.Logger.Info("RabbitMQ reconnected", "exchange", c.config.Exchange)
	if opts.OnReconnected != nil {
		opts.OnReconnected()
	}
}

// Subscribe declares an exclusive queue bound to filter and consumes from it.
func (c *Conn) Subscribe(ctx context.Context, filter string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, transport.ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: channel: %w", transport.ErrSubscribe, err)
	}
	q, err := ch.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // auto-delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: declare queue: %w", transport.ErrSubscribe, err)
	}
	bindingKey := BindingKeyFromFilter(filter)
	if err := ch.QueueBind(q.Name, bindingKey, c.config.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: bind %s: %w", transport.ErrSubscribe, bindingKey, err)
	}
	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag (auto-generated)
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: consume: %w", transport.ErrSubscribe, err)
	}

	s := &subscription{conn: c, filter: filter, ch: ch, done: make(chan struct{})}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer close(s.done)
		for d := range deliveries {
			h(fromDelivery(d))
		}
	}()

	c.config.Logger.Debug("RabbitMQ subscription started", "queue", q.Name, "binding", bindingKey)
	return s, nil
}

// Publish publishes msg to the exchange with the topic's routing key.
func (c *Conn) Publish(ctx context.Context, msg transport.Message) error {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return transport.ErrNotConnected
	}

	key := RoutingKeyFromTopic(msg.Topic)
	err := pub.PublishWithContext(
		ctx,
		c.config.Exchange, // exchange
		key,               // routing key
		false,             // mandatory
		false,             // immediate (deprecated)
		toPublishing(msg, time.Now()),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrPublish, key, err)
	}
	return nil
}

// Disconnect closes all subscriptions and the connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing || c.conn == nil && c.stop == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.pub = nil
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	for s := range subs {
		s.markClosed()
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type subscription struct {
	conn   *Conn
	filter string
	ch     *amqp.Channel
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Filter() string { return s.filter }

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()

	var err error
	s.once.Do(func() {
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (s *subscription) markClosed() {
	s.once.Do(func() { s.ch.Close() })
}

func toPublishing(msg transport.Message, now time.Time) amqp.Publishing {
	md := msg.Metadata
	p := amqp.Publishing{
		Timestamp:     now,
		Body:          msg.Payload,
		CorrelationId: md.CorrelationKey,
		ReplyTo:       md.ReplyTo,
		AppId:         md.Responder,
		ContentType:   md.ContentType,
	}
	headers := amqp.Table{}
	if !md.Expiry.IsZero() {
		headers[HeaderExpiry] = md.Expiry.UnixMilli()
		ttl := md.Expiry.Sub(now).Milliseconds()
		if ttl < 1 {
			ttl = 1
		}
		p.Expiration = strconv.FormatInt(ttl, 10)
	}
	if md.Error != "" {
		headers[HeaderError] = md.Error
	}
	if len(md.ResponseTopics) > 0 {
		rts := make([]interface{}, len(md.ResponseTopics))
		for i, rt := range md.ResponseTopics {
			rts[i] = rt
		}
		headers[HeaderResponseTopics] = rts
	}
	if len(headers) > 0 {
		p.Headers = headers
	}
	return p
}

func fromDelivery(d amqp.Delivery) transport.Message {
	msg := transport.Message{
		Topic:   TopicFromRoutingKey(d.RoutingKey),
		Payload: d.Body,
		Metadata: transport.Metadata{
			CorrelationKey: d.CorrelationId,
			ReplyTo:        d.ReplyTo,
			Responder:      d.AppId,
			ContentType:    d.ContentType,
		},
	}
	switch v := d.Headers[HeaderExpiry].(type) {
	case int64:
		msg.Metadata.Expiry = time.UnixMilli(v)
	case int32:
		msg.Metadata.Expiry = time.UnixMilli(int64(v))
	}
	if v, ok := d.Headers[HeaderError].(string); ok {
		msg.Metadata.Error = v
	}
	if rts, ok := d.Headers[HeaderResponseTopics].([]interface{}); ok {
		for _, rt := range rts {
			if s, ok := rt.(string); ok {
				msg.Metadata.ResponseTopics = append(msg.Metadata.ResponseTopics, s)
			}
		}
	}
	return msg
}
