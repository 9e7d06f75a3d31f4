// Package redis provides a Redis Pub/Sub adapter implementing transport.Conn.
//
// # Topic Semantics
//
// Topics are used verbatim as Redis channels. Filters without wildcards use
// SUBSCRIBE; filters with wildcards use PSUBSCRIBE with a glob that covers
// them, and every delivery is checked against the filter before the handler
// sees it, since a glob "*" also spans "/".
//
// Redis Pub/Sub has no message properties, so each message is a CloudEvents
// JSON document carrying the metadata as extensions.
//
// # Connection Health
//
// go-redis redials on demand and never reports a dropped server, so the
// adapter pings every HealthInterval. The first failed ping reports
// OnConnectionLost; the first successful ping afterwards reports
// OnReconnected.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fxsml/docbridge/topic"
	"github.com/fxsml/docbridge/transport"
)

// Config configures the Redis adapter.
type Config struct {
	// Source is the CloudEvents source attribute of published envelopes.
	// Default is "docbridge".
	Source string

	// HealthInterval is the period between health pings, each bounded by
	// the same duration. Default is 1 second.
	HealthInterval time.Duration

	// NoReconnect stops health checks after the first lost connection, so
	// OnReconnected is never reported.
	NoReconnect bool

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Source == "" {
		c.Source = "docbridge"
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Conn is a Redis Pub/Sub connection.
type Conn struct {
	config Config

	mu     sync.Mutex
	client *goredis.Client
	stop   chan struct{}
	subs   map[*subscription]struct{}
}

var _ transport.Conn = (*Conn)(nil)

// New creates a new, unconnected Redis adapter.
func New(config Config) *Conn {
	return &Conn{
		config: config.applyDefaults(),
		subs:   make(map[*subscription]struct{}),
	}
}

// Connect parses opts.Endpoint as a redis:// URL and pings the server.
func (c *Conn) Connect(ctx context.Context, opts transport.Options) error {
	ropts, err := goredis.ParseURL(opts.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}
	if opts.Identity != "" {
		ropts.ClientName = opts.Identity
	}
	client := goredis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("%w: %s: %w", transport.ErrConnect, opts.Endpoint, err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.client = client
	c.stop = stop
	c.mu.Unlock()
	go c.watch(client, opts, stop)

	c.config.Logger.Info("Redis connected", "addr", ropts.Addr, "identity", opts.Identity)
	return nil
}

// watch pings client until stop is closed and reports health transitions.
func (c *Conn) watch(client *goredis.Client, opts transport.Options, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.HealthInterval)
		err := client.Ping(ctx).Err()
		cancel()

		select {
		case <-stop:
			return
		default:
		}

		switch {
		case err != nil && healthy:
			healthy = false
			c.config.Logger.Warn("Redis connection lost", "error", err)
			if opts.OnConnectionLost != nil {
				opts.OnConnectionLost(err)
			}
			if c.config.NoReconnect {
				return
			}
		case err == nil && !healthy:
			healthy = true
			c.config.Logger.Info("Redis reconnected")
			if opts.OnReconnected != nil {
				opts.OnReconnected()
			}
		}
	}
}

// Subscribe subscribes to the channel or channel pattern covering filter.
func (c *Conn) Subscribe(ctx context.Context, filter string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, transport.ErrNotConnected
	}
	if err := topic.ValidateFilter(filter); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrSubscribe, err)
	}

	var ps *goredis.PubSub
	if topic.HasWildcard(filter) {
		ps = client.PSubscribe(ctx, PatternFromFilter(filter))
	} else {
		ps = client.Subscribe(ctx, filter)
	}
	// Receive waits for the server's confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: %s: %w", transport.ErrSubscribe, filter, err)
	}

	s := &subscription{
		conn:    c,
		ps:      ps,
		matcher: topic.NewMatcher(filter),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer close(s.done)
		for m := range ps.Channel() {
			msg, err := Unmarshal([]byte(m.Payload))
			if err != nil {
				c.config.Logger.Warn("Dropping malformed envelope", "channel", m.Channel, "error", err)
				continue
			}
			if msg.Topic == "" {
				msg.Topic = m.Channel
			}
			if !s.matcher.Matches(msg.Topic) {
				continue
			}
			h(msg)
		}
	}()

	c.config.Logger.Debug("Redis subscription started", "filter", filter)
	return s, nil
}

// Publish publishes msg to the channel named by its topic.
func (c *Conn) Publish(ctx context.Context, msg transport.Message) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return transport.ErrNotConnected
	}

	b, err := Marshal(c.config.Source, msg)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrPublish, msg.Topic, err)
	}
	if err := client.Publish(ctx, msg.Topic, b).Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrPublish, msg.Topic, err)
	}
	return nil
}

// Disconnect closes all subscriptions and the client.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	var errs []error
	for s := range subs {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type subscription struct {
	conn    *Conn
	ps      *goredis.PubSub
	matcher *topic.Matcher
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Filter() string { return s.matcher.Filter() }

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	return s.close()
}

func (s *subscription) close() error {
	var err error
	s.once.Do(func() {
		if cerr := s.ps.Close(); cerr != nil && !errors.Is(cerr, goredis.ErrClosed) {
			err = cerr
		}
	})
	return err
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// PatternFromFilter returns a Redis glob matching a superset of filter.
// "+" becomes "*" and a trailing "/#" becomes "*" so the parent level is
// included.
func PatternFromFilter(filter string) string {
	segments := topic.Split(filter)
	var b strings.Builder
	for i, s := range segments {
		switch s {
		case topic.MultiLevelWildcard:
			// Drop the preceding separator so "a/#" also covers "a".
			return strings.TrimSuffix(b.String(), topic.Separator) + "*"
		case topic.SingleLevelWildcard:
			b.WriteString("*")
		default:
			b.WriteString(globEscaper.Replace(s))
		}
		if i < len(segments)-1 {
			b.WriteString(topic.Separator)
		}
	}
	return b.String()
}
