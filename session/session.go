// Package session owns a transport connection and routes its inbound
// messages.
//
// Replies arriving on filters registered with [Session.Subscribe] resolve
// entries in the session's correlation table by their correlation key.
// Requests arriving on filters registered with [Session.Handle] run on a
// bounded handler pool that [Session.Disconnect] drains.
//
// Replies pass through a single delivery goroutine, so adapter callbacks
// never touch the correlation table directly. Requests are queued apart from
// replies, so a saturated handler pool never delays reply resolution.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fxsml/docbridge/correlation"
	"github.com/fxsml/docbridge/topic"
	"github.com/fxsml/docbridge/transport"
)

var (
	// ErrConnect is returned when the transport connection cannot be established.
	ErrConnect = errors.New("session: connect failed")
	// ErrSubscribe is returned when a filter is invalid or rejected by the broker.
	ErrSubscribe = errors.New("session: subscribe failed")
	// ErrNotConnected is returned by operations that need an established connection.
	ErrNotConnected = errors.New("session: not connected")
	// ErrConnectionLost completes in-flight entries when the transport drops.
	ErrConnectionLost = fmt.Errorf("session: connection lost: %w", correlation.ErrCancelled)
	// ErrDisconnected completes in-flight entries on Disconnect.
	ErrDisconnected = fmt.Errorf("session: disconnected: %w", correlation.ErrCancelled)
)

// Config configures a Session.
type Config struct {
	// Endpoint is the broker address handed to the transport.
	Endpoint string

	// Identity is the client identity presented to the broker.
	// Default is "docbridge-" followed by a random suffix.
	Identity string

	// InboundBuffer is the capacity of the queue between adapter callbacks
	// and the delivery goroutine. Default: 256.
	InboundBuffer int

	// HandlerConcurrency bounds concurrently running request handlers.
	// Default: 16.
	HandlerConcurrency int

	// Correlation configures the session's correlation table.
	Correlation correlation.Config

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Identity == "" {
		c.Identity = "docbridge-" + uuid.NewString()[:8]
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = 16
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Correlation.Logger == nil {
		c.Correlation.Logger = c.Logger
	}
	return c
}

// HandlerFunc handles a request message. ctx is cancelled when the session
// gives up waiting for handlers during Disconnect.
type HandlerFunc func(ctx context.Context, msg transport.Message)

// Session is a transport connection with reply correlation and request dispatch.
type Session struct {
	config Config
	conn   transport.Conn
	table  *correlation.Table[transport.Message]
	sem    *semaphore.Weighted

	// subMu serializes Subscribe and Handle so each filter is subscribed once.
	subMu sync.Mutex

	mu       sync.Mutex
	state    State
	cycle    *cycle
	routes   map[string]*route
	handlers map[string]HandlerFunc
}

// cycle holds the resources of one Connect/Disconnect cycle.
type cycle struct {
	replies      chan inbound
	requests     chan inbound
	ctx          context.Context
	cancel       context.CancelFunc
	handlerCtx   context.Context
	stopHandlers context.CancelFunc
	deliveryDone chan struct{}
	dispatchDone chan struct{}
	handlers     *handlerSet
}

type route struct {
	matcher *topic.Matcher
	handler HandlerFunc
	cycle   *cycle
	active  atomic.Bool
	sub     transport.Subscription
}

type inbound struct {
	route *route
	msg   transport.Message
}

// New creates a disconnected session over conn.
func New(conn transport.Conn, config Config) *Session {
	config = config.applyDefaults()
	return &Session{
		config:   config,
		conn:     conn,
		table:    correlation.New[transport.Message](config.Correlation),
		sem:      semaphore.NewWeighted(int64(config.HandlerConcurrency)),
		routes:   make(map[string]*route),
		handlers: make(map[string]HandlerFunc),
	}
}

// Identity returns the client identity presented to the broker.
func (s *Session) Identity() string { return s.config.Identity }

// Table returns the correlation table replies are routed into.
func (s *Session) Table() *correlation.Table[transport.Message] { return s.table }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the transport connection and starts delivery.
// A failed attempt leaves the session Disconnected and is not retried.
// Calling Connect on a connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected, Reconnecting:
		s.mu.Unlock()
		return nil
	case Disconnected:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrConnect, state)
	}
	s.state = Connecting
	s.mu.Unlock()

	err := s.conn.Connect(ctx, transport.Options{
		Endpoint:         s.config.Endpoint,
		Identity:         s.config.Identity,
		OnConnectionLost: s.connectionLost,
		OnReconnected:    s.reconnected,
	})
	if err != nil {
		s.setState(Disconnected)
		s.config.Logger.Error("Session connect failed", "endpoint", s.config.Endpoint, "error", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c := &cycle{
		replies:      make(chan inbound, s.config.InboundBuffer),
		requests:     make(chan inbound, s.config.InboundBuffer),
		deliveryDone: make(chan struct{}),
		dispatchDone: make(chan struct{}),
		handlers:     newHandlerSet(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handlerCtx, c.stopHandlers = context.WithCancel(context.Background())
	go s.deliver(c)
	go s.dispatch(c)

	s.mu.Lock()
	s.cycle = c
	s.state = Connected
	s.mu.Unlock()

	s.config.Logger.Info("Session connected", "endpoint", s.config.Endpoint, "identity", s.config.Identity)
	return nil
}

// Subscribe routes replies on topics matching filter into the correlation
// table. Subscribing to an already subscribed filter is a no-op.
func (s *Session) Subscribe(ctx context.Context, filter string) error {
	return s.subscribe(ctx, filter, nil)
}

// Handle runs h for every message on topics matching filter. Handlers run
// concurrently, bounded by HandlerConcurrency. Handle subscriptions are
// restored after the transport reconnects.
func (s *Session) Handle(ctx context.Context, filter string, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribe)
	}
	if err := s.subscribe(ctx, filter, h); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlers[filter] = h
	s.mu.Unlock()
	return nil
}

func (s *Session) subscribe(ctx context.Context, filter string, h HandlerFunc) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribe, ErrNotConnected)
	}
	if existing, ok := s.routes[filter]; ok {
		s.mu.Unlock()
		if (existing.handler == nil) != (h == nil) {
			return fmt.Errorf("%w: %q is already used for %s", ErrSubscribe, filter, existing.kind())
		}
		return nil
	}
	r := &route{matcher: topic.NewMatcher(filter), handler: h, cycle: s.cycle}
	s.mu.Unlock()

	r.active.Store(true)
	sub, err := s.conn.Subscribe(ctx, filter, func(msg transport.Message) {
		s.enqueue(r, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribe, filter, err)
	}
	r.sub = sub

	s.mu.Lock()
	if s.state != Connected || s.cycle != r.cycle {
		s.mu.Unlock()
		r.active.Store(false)
		sub.Unsubscribe()
		return fmt.Errorf("%w: %w", ErrSubscribe, ErrNotConnected)
	}
	s.routes[filter] = r
	s.mu.Unlock()

	s.config.Logger.Debug("Subscribed", "filter", filter, "kind", r.kind())
	return nil
}

// Publish hands msg to the transport. It does not wait for any reply.
func (s *Session) Publish(ctx context.Context, msg transport.Message) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	return s.conn.Publish(ctx, msg)
}

// Disconnect cancels all in-flight entries, stops delivery, waits for running
// handlers until ctx is done and closes the transport. It is idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnecting
	c := s.cycle
	s.cycle = nil
	routes := s.routes
	s.routes = make(map[string]*route)
	s.handlers = make(map[string]HandlerFunc)
	s.mu.Unlock()

	s.dropRoutes(routes)
	if n := s.table.CancelAll(ErrDisconnected); n > 0 {
		s.config.Logger.Info("Cancelled in-flight commands on disconnect", "count", n)
	}

	var drainErr error
	if c != nil {
		c.cancel()
		<-c.deliveryDone
		<-c.dispatchDone
		drainErr = c.handlers.wait(ctx)
		c.stopHandlers()
	}

	err := s.conn.Disconnect(ctx)
	s.setState(Disconnected)
	s.config.Logger.Info("Session disconnected", "identity", s.config.Identity)
	return errors.Join(drainErr, err)
}

func (s *Session) connectionLost(cause error) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.state = Reconnecting
	routes := s.routes
	s.routes = make(map[string]*route)
	s.mu.Unlock()

	s.dropRoutes(routes)
	n := s.table.CancelAll(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	s.config.Logger.Warn("Connection lost", "error", cause, "cancelled", n)
}

func (s *Session) reconnected() {
	s.mu.Lock()
	if s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	s.state = Connected
	handlers := make(map[string]HandlerFunc, len(s.handlers))
	for f, h := range s.handlers {
		handlers[f] = h
	}
	s.mu.Unlock()

	s.config.Logger.Info("Connection restored", "handlers", len(handlers))

	// Adapters call back from their own goroutines; subscribing here could
	// block them on the broker round trip.
	go func() {
		for filter, h := range handlers {
			if err := s.subscribe(context.Background(), filter, h); err != nil {
				s.config.Logger.Error("Failed to restore handler", "filter", filter, "error", err)
			}
		}
	}()
}

func (s *Session) dropRoutes(routes map[string]*route) {
	for filter, r := range routes {
		r.active.Store(false)
		if err := r.sub.Unsubscribe(); err != nil {
			s.config.Logger.Debug("Unsubscribe failed", "filter", filter, "error", err)
		}
	}
}

func (s *Session) enqueue(r *route, msg transport.Message) {
	queue := r.cycle.replies
	if r.handler != nil {
		queue = r.cycle.requests
	}
	select {
	case queue <- inbound{route: r, msg: msg}:
	case <-r.cycle.ctx.Done():
	}
}

func accepts(r *route, msg transport.Message) bool {
	return r.active.Load() && r.matcher.Matches(msg.Topic)
}

// deliver resolves replies until the cycle ends.
func (s *Session) deliver(c *cycle) {
	defer close(c.deliveryDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.replies:
			if !accepts(in.route, in.msg) {
				s.config.Logger.Debug("Dropping reply for inactive subscription", "topic", in.msg.Topic)
				continue
			}
			s.resolve(in.msg)
		}
	}
}

// dispatch starts a handler per request, waiting for a free slot in the
// handler pool, until the cycle ends.
func (s *Session) dispatch(c *cycle) {
	defer close(c.dispatchDone)
	for {
		var in inbound
		select {
		case <-c.ctx.Done():
			return
		case in = <-c.requests:
		}
		r, msg := in.route, in.msg
		if !accepts(r, msg) {
			s.config.Logger.Debug("Dropping request for inactive subscription", "topic", msg.Topic)
			continue
		}
		if err := s.sem.Acquire(c.ctx, 1); err != nil {
			s.config.Logger.Debug("Dropping request during shutdown", "topic", msg.Topic)
			return
		}
		id := c.handlers.start(msg.Topic)
		go func() {
			defer s.sem.Release(1)
			defer c.handlers.finish(id)
			defer func() {
				if p := recover(); p != nil {
					s.config.Logger.Error("Handler panicked", "topic", msg.Topic, "panic", p)
				}
			}()
			r.handler(c.handlerCtx, msg)
		}()
	}
}

func (s *Session) resolve(msg transport.Message) {
	key := msg.Metadata.CorrelationKey
	if key == "" {
		s.config.Logger.Debug("Dropping reply without correlation key", "topic", msg.Topic)
		return
	}
	if !s.table.Resolve(key, msg) {
		s.config.Logger.Debug("Dropping reply for unknown correlation key", "topic", msg.Topic, "key", key)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (r *route) kind() string {
	if r.handler == nil {
		return "replies"
	}
	return "requests"
}
