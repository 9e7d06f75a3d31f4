// Package memory provides an in-process broker implementing transport.Conn.
// Topics and filters use the "/" grammar with "+" and "#" wildcards.
//
// A single Broker is shared by any number of connections, so a client and a
// worker in the same process can talk to each other:
//
//	b := memory.NewBroker(memory.Config{})
//	clientConn, workerConn := b.Conn(), b.Conn()
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fxsml/docbridge/topic"
	"github.com/fxsml/docbridge/transport"
)

// ErrBrokerClosed is returned when operations are attempted on a closed broker.
var ErrBrokerClosed = errors.New("memory: broker is closed")

// Config configures the broker behavior.
type Config struct {
	// BufferSize is the channel buffer size for each subscription.
	// Default: 100.
	BufferSize int

	// CloseTimeout is the maximum duration to wait for delivery goroutines on Close.
	// Default: 5 seconds.
	CloseTimeout time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Broker routes messages between its connections.
type Broker struct {
	config Config

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBroker creates a new in-memory broker with the given configuration.
func NewBroker(config Config) *Broker {
	return &Broker{
		config: config.applyDefaults(),
		subs:   make(map[*subscription]struct{}),
	}
}

// Conn returns a new, not yet connected client connection.
func (b *Broker) Conn() *Conn {
	return &Conn{broker: b}
}

// Close stops all deliveries and waits for delivery goroutines to finish.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.closed = true
	for s := range b.subs {
		s.stop()
		delete(b.subs, s)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(b.config.CloseTimeout):
		return context.DeadlineExceeded
	}
}

func (b *Broker) subscribe(owner *Conn, filter string, h transport.Handler) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	s := &subscription{
		broker:  b,
		owner:   owner,
		matcher: topic.NewMatcher(filter),
		ch:      make(chan transport.Message, b.config.BufferSize),
		done:    make(chan struct{}),
	}
	b.subs[s] = struct{}{}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.ch:
				h(msg)
			}
		}
	}()
	return s, nil
}

func (b *Broker) unsubscribe(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.stop()
}

func (b *Broker) publish(ctx context.Context, msg transport.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	var targets []*subscription
	for s := range b.subs {
		if s.matcher.Matches(msg.Topic) && s.owner.isConnected() {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	// Send outside the lock: handlers may publish from delivery goroutines.
	msg.Payload = bytes.Clone(msg.Payload)
	msg.Metadata.ResponseTopics = slices.Clone(msg.Metadata.ResponseTopics)
	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) removeOwner(owner *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.owner == owner {
			s.stop()
			delete(b.subs, s)
		}
	}
}

type subscription struct {
	broker  *Broker
	owner   *Conn
	matcher *topic.Matcher
	ch      chan transport.Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Filter() string { return s.matcher.Filter() }

func (s *subscription) Unsubscribe() error {
	s.broker.unsubscribe(s)
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Conn is a client connection to a Broker.
type Conn struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	opts      transport.Options
}

var _ transport.Conn = (*Conn)(nil)

// Connect marks the connection as established. The endpoint is ignored.
func (c *Conn) Connect(ctx context.Context, opts transport.Options) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}
	c.broker.mu.RLock()
	closed := c.broker.closed
	c.broker.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %w", transport.ErrConnect, ErrBrokerClosed)
	}

	c.mu.Lock()
	c.connected = true
	c.opts = opts
	c.mu.Unlock()
	c.broker.config.Logger.Debug("Memory connection established", "identity", opts.Identity)
	return nil
}

// Subscribe registers h for topics matching filter.
func (c *Conn) Subscribe(ctx context.Context, filter string, h transport.Handler) (transport.Subscription, error) {
	if !c.isConnected() {
		return nil, transport.ErrNotConnected
	}
	if err := topic.ValidateFilter(filter); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrSubscribe, err)
	}
	s, err := c.broker.subscribe(c, filter, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrSubscribe, err)
	}
	return s, nil
}

// Publish delivers msg to every matching subscription of every connected client.
func (c *Conn) Publish(ctx context.Context, msg transport.Message) error {
	if !c.isConnected() {
		return transport.ErrNotConnected
	}
	if err := c.broker.publish(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrPublish, err)
	}
	return nil
}

// Disconnect drops all subscriptions of this connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.broker.removeOwner(c)
	}
	return nil
}

// Drop simulates a transport-level connection loss. Subscriptions are
// discarded and OnConnectionLost is invoked.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	lost := c.opts.OnConnectionLost
	c.mu.Unlock()

	c.broker.removeOwner(c)
	if lost != nil {
		lost(err)
	}
}

// Restore re-establishes a dropped connection and invokes OnReconnected.
func (c *Conn) Restore() {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	reconnected := c.opts.OnReconnected
	c.mu.Unlock()

	if reconnected != nil {
		reconnected()
	}
}

func (c *Conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
