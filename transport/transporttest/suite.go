// Package transporttest provides a conformance suite for transport.Conn
// implementations.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/fxsml/docbridge/transport"
)

// ConnFactory creates a fresh, unconnected Conn and the endpoint to connect it to.
type ConnFactory func(t *testing.T) (transport.Conn, string)

// Suite runs a common set of tests against any transport implementation.
type Suite struct {
	// Name identifies the implementation being tested.
	Name string

	// NewConn creates a connection under test.
	NewConn ConnFactory

	// Settle is how long to wait after Subscribe before publishing, for
	// brokers that activate subscriptions asynchronously.
	Settle time.Duration

	// Skip lists test names to skip for this implementation.
	Skip map[string]string
}

// Run executes the suite.
func (s *Suite) Run(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, c transport.Conn)
	}{
		{"PublishSubscribe", s.testPublishSubscribe},
		{"MetadataRoundTrip", s.testMetadataRoundTrip},
		{"SingleLevelWildcard", s.testSingleLevelWildcard},
		{"MultiLevelWildcard", s.testMultiLevelWildcard},
		{"Unsubscribe", s.testUnsubscribe},
	}

	for _, tt := range tests {
		t.Run(s.Name+"/"+tt.name, func(t *testing.T) {
			if reason, ok := s.Skip[tt.name]; ok {
				t.Skip(reason)
			}

			c, endpoint := s.NewConn(t)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Connect(ctx, transport.Options{Endpoint: endpoint, Identity: "suite"}); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer c.Disconnect(context.Background())

			tt.fn(t, c)
		})
	}

	t.Run(s.Name+"/NotConnected", func(t *testing.T) {
		c, _ := s.NewConn(t)
		err := c.Publish(context.Background(), transport.Message{Topic: "a/b"})
		if !errors.Is(err, transport.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if err := c.Disconnect(context.Background()); err != nil {
			t.Errorf("Disconnect on unconnected conn: %v", err)
		}
	})
}

func (s *Suite) subscribe(t *testing.T, c transport.Conn, filter string) (<-chan transport.Message, transport.Subscription) {
	t.Helper()
	ch := make(chan transport.Message, 16)
	sub, err := c.Subscribe(context.Background(), filter, func(msg transport.Message) {
		ch <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe(%q): %v", filter, err)
	}
	if sub.Filter() != filter {
		t.Errorf("Filter() = %q, want %q", sub.Filter(), filter)
	}
	if s.Settle > 0 {
		time.Sleep(s.Settle)
	}
	return ch, sub
}

func publish(t *testing.T, c transport.Conn, msg transport.Message) {
	t.Helper()
	if err := c.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish(%q): %v", msg.Topic, err)
	}
}

func receive(t *testing.T, ch <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return transport.Message{}
	}
}

func expectNone(t *testing.T, ch <-chan transport.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected message on %q", msg.Topic)
	case <-time.After(200 * time.Millisecond):
	}
}

func (s *Suite) testPublishSubscribe(t *testing.T, c transport.Conn) {
	ch, _ := s.subscribe(t, c, "suite/test_db/find")

	publish(t, c, transport.Message{Topic: "suite/test_db/find", Payload: []byte(`{"a":1}`)})

	got := receive(t, ch)
	if got.Topic != "suite/test_db/find" {
		t.Errorf("Topic = %q", got.Topic)
	}
	if !bytes.Equal(got.Payload, []byte(`{"a":1}`)) {
		t.Errorf("Payload = %q", got.Payload)
	}
}

func (s *Suite) testMetadataRoundTrip(t *testing.T, c transport.Conn) {
	ch, _ := s.subscribe(t, c, "suite/reply")

	want := transport.Metadata{
		CorrelationKey: "6f1c1d3e-key",
		ReplyTo:        "suite/response/client",
		ResponseTopics: []string{"suite/response/audit", "suite/response/log"},
		Responder:      "worker-1",
		ContentType:    "application/ejson",
		Expiry:         time.UnixMilli(1_900_000_000_123),
		Error:          "boom",
	}
	publish(t, c, transport.Message{Topic: "suite/reply", Payload: []byte("{}"), Metadata: want})

	got := receive(t, ch).Metadata
	if got.CorrelationKey != want.CorrelationKey ||
		got.ReplyTo != want.ReplyTo ||
		got.Responder != want.Responder ||
		got.ContentType != want.ContentType ||
		got.Error != want.Error ||
		!slices.Equal(got.ResponseTopics, want.ResponseTopics) {
		t.Errorf("metadata mismatch:\n got: %+v\nwant: %+v", got, want)
	}
	if !got.Expiry.Equal(want.Expiry) {
		t.Errorf("Expiry = %v, want %v", got.Expiry, want.Expiry)
	}
}

func (s *Suite) testSingleLevelWildcard(t *testing.T, c transport.Conn) {
	ch, _ := s.subscribe(t, c, "suite/+/find")

	publish(t, c, transport.Message{Topic: "suite/db1/find"})
	publish(t, c, transport.Message{Topic: "suite/db1/coll/find"})
	publish(t, c, transport.Message{Topic: "suite/db2/find"})

	seen := map[string]bool{}
	seen[receive(t, ch).Topic] = true
	seen[receive(t, ch).Topic] = true
	if !seen["suite/db1/find"] || !seen["suite/db2/find"] {
		t.Errorf("unexpected topics: %v", seen)
	}
	expectNone(t, ch)
}

func (s *Suite) testMultiLevelWildcard(t *testing.T, c transport.Conn) {
	ch, _ := s.subscribe(t, c, "suite/deep/#")

	publish(t, c, transport.Message{Topic: "suite/deep/a"})
	publish(t, c, transport.Message{Topic: "suite/deep/a/b/c"})
	publish(t, c, transport.Message{Topic: "suite/other/a"})

	seen := map[string]bool{}
	seen[receive(t, ch).Topic] = true
	seen[receive(t, ch).Topic] = true
	if !seen["suite/deep/a"] || !seen["suite/deep/a/b/c"] {
		t.Errorf("unexpected topics: %v", seen)
	}
	expectNone(t, ch)
}

func (s *Suite) testUnsubscribe(t *testing.T, c transport.Conn) {
	ch, sub := s.subscribe(t, c, "suite/unsub")

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if s.Settle > 0 {
		time.Sleep(s.Settle)
	}
	publish(t, c, transport.Message{Topic: "suite/unsub"})
	expectNone(t, ch)

	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe: %v", err)
	}
}
