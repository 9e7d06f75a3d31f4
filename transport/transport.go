// Package transport defines the boundary between the session and a
// publish/subscribe client.
//
// Adapters translate the "/" separated topic grammar with "+" and "#"
// wildcards to their broker's own syntax and carry [Metadata] as message
// properties, never inside the payload.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by operations on a connection that is not established.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnect wraps failures to establish a connection.
	ErrConnect = errors.New("transport: connect failed")
	// ErrSubscribe wraps broker rejections of a subscription.
	ErrSubscribe = errors.New("transport: subscribe failed")
	// ErrPublish wraps failures to hand a message to the broker.
	ErrPublish = errors.New("transport: publish failed")
)

// Metadata holds per-message properties carried out of band.
type Metadata struct {
	// CorrelationKey links a reply to its request.
	CorrelationKey string
	// ReplyTo is the topic the responder publishes the reply to.
	ReplyTo string
	// ResponseTopics lists additional topics that also receive the reply.
	ResponseTopics []string
	// Responder identifies the publisher of a reply.
	Responder string
	// ContentType names the payload codec.
	ContentType string
	// Expiry is the time after which a request should not be executed.
	Expiry time.Time
	// Error carries a remote failure description on replies.
	Error string
}

// Message is a single inbound or outbound message.
type Message struct {
	Topic    string
	Payload  []byte
	Metadata Metadata
}

// Handler receives inbound messages. Adapters call it from their own
// goroutines; it must not block for long.
type Handler func(msg Message)

// Subscription is an active subscription.
type Subscription interface {
	// Filter returns the filter in "/" grammar.
	Filter() string
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Options configures a connection attempt.
type Options struct {
	// Endpoint is the broker address, e.g. "nats://localhost:4222".
	Endpoint string
	// Identity is the client identity presented to the broker.
	Identity string
	// OnConnectionLost is called when an established connection drops.
	OnConnectionLost func(err error)
	// OnReconnected is called when the adapter re-established a dropped connection.
	OnReconnected func()
}

// Conn is a publish/subscribe client.
type Conn interface {
	// Connect establishes the connection. Errors wrap ErrConnect.
	Connect(ctx context.Context, opts Options) error
	// Subscribe registers h for messages matching filter. Errors wrap ErrSubscribe.
	Subscribe(ctx context.Context, filter string, h Handler) (Subscription, error)
	// Publish sends msg. Delivery guarantees are the broker's.
	Publish(ctx context.Context, msg Message) error
	// Disconnect closes the connection. Safe to call when not connected.
	Disconnect(ctx context.Context) error
}
