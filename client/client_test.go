package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fxsml/docbridge/client"
	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/correlation"
	"github.com/fxsml/docbridge/session"
	"github.com/fxsml/docbridge/topic"
	"github.com/fxsml/docbridge/transport"
	"github.com/fxsml/docbridge/transport/memory"
)

type responder func(msg transport.Message, args codec.Document) (codec.Document, string)

// setup returns a client and a peer connection that answers requests on
// "mongodb/#" with respond. A nil respond leaves requests unanswered.
func setup(t *testing.T, config client.Config, respond responder) (*client.Client, *memory.Conn) {
	t.Helper()
	ctx := context.Background()
	b := memory.NewBroker(memory.Config{})
	t.Cleanup(func() { b.Close() })

	c, err := client.Dial(ctx, b.Conn(), session.Config{Identity: "client-1"}, config)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })

	peer := b.Conn()
	if err := peer.Connect(ctx, transport.Options{Identity: "worker-1"}); err != nil {
		t.Fatalf("peer Connect: %v", err)
	}
	if respond == nil {
		return c, peer
	}
	_, err = peer.Subscribe(ctx, "mongodb/#", func(msg transport.Message) {
		args, err := codec.ByContentType(msg.Metadata.ContentType).Decode(msg.Payload)
		if err != nil {
			t.Errorf("worker decode: %v", err)
			return
		}
		doc, remoteErr := respond(msg, args)
		if doc == nil && remoteErr == "" {
			return
		}
		payload, _ := codec.ExtJSON().Encode(doc)
		peer.Publish(ctx, transport.Message{
			Topic:   msg.Metadata.ReplyTo,
			Payload: payload,
			Metadata: transport.Metadata{
				CorrelationKey: msg.Metadata.CorrelationKey,
				Responder:      "worker-1",
				ContentType:    codec.ContentTypeExtJSON,
				Error:          remoteErr,
			},
		})
	})
	if err != nil {
		t.Fatalf("peer Subscribe: %v", err)
	}
	return c, peer
}

func TestClient_ExecuteInsertOne(t *testing.T) {
	oid := primitive.NewObjectID()
	var gotTopic string
	c, _ := setup(t, client.Config{}, func(msg transport.Message, args codec.Document) (codec.Document, string) {
		gotTopic = msg.Topic
		id, _ := codec.Lookup(args, "document", "_id")
		return codec.Document{{Key: "insertedId", Value: id}}, ""
	})

	cmd := client.NewCommand("test_db", "users", "insert_one", codec.Document{
		{Key: "document", Value: codec.Document{{Key: "_id", Value: oid}, {Key: "name", Value: "ada"}}},
	})
	res, err := c.Execute(context.Background(), cmd, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotTopic != "mongodb/test_db/users/insert_one" {
		t.Errorf("request topic = %q", gotTopic)
	}
	if v, _ := codec.Lookup(res.Document, "insertedId"); v != oid {
		t.Errorf("insertedId = %v (%T), want %v", v, v, oid)
	}
	if res.Responder != "worker-1" {
		t.Errorf("Responder = %q", res.Responder)
	}
	if res.Latency <= 0 || res.Latency > time.Second {
		t.Errorf("Latency = %v", res.Latency)
	}
	if res.Topic != "mongodb/test_db/users/insert_one" || res.Key == "" {
		t.Errorf("Topic = %q, Key = %q", res.Topic, res.Key)
	}
	if n := c.Session().Table().Len(); n != 0 {
		t.Errorf("table Len = %d, want 0", n)
	}
}

func TestClient_ResponseTopic(t *testing.T) {
	c, _ := setup(t, client.Config{ResponseTopicPrefix: "replies"}, nil)
	if got := c.ResponseTopic(); got != "replies/client-1" {
		t.Errorf("ResponseTopic = %q", got)
	}
}

func TestClient_ExecuteTimeout(t *testing.T) {
	c, _ := setup(t, client.Config{}, nil)

	start := time.Now()
	_, err := c.Execute(context.Background(), client.NewCommand("test_db", "users", "find", nil), 50*time.Millisecond)
	if !errors.Is(err, client.ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if !errors.Is(err, correlation.ErrTimedOut) {
		t.Errorf("expected ErrTimedOut in chain, got %v", err)
	}
	var cmdErr *client.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Topic != "mongodb/test_db/users/find" {
		t.Errorf("expected *CommandError for the request topic, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute took %v", elapsed)
	}
	if n := c.Session().Table().Len(); n != 0 {
		t.Errorf("table Len = %d, want 0", n)
	}
}

func TestClient_DefaultTimeout(t *testing.T) {
	c, _ := setup(t, client.Config{DefaultTimeout: 30 * time.Millisecond}, nil)

	_, err := c.Execute(context.Background(), client.NewCommand("test_db", "users", "find", nil), 0)
	if !errors.Is(err, client.ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
}

func TestClient_ConcurrentOutOfOrderReplies(t *testing.T) {
	const n = 10
	var mu sync.Mutex
	var pending []transport.Message
	all := make(chan struct{})

	b := memory.NewBroker(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	c, err := client.Dial(ctx, b.Conn(), session.Config{}, client.Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close(ctx)

	peer := b.Conn()
	_ = peer.Connect(ctx, transport.Options{})
	_, err = peer.Subscribe(ctx, "mongodb/#", func(msg transport.Message) {
		mu.Lock()
		pending = append(pending, msg)
		if len(pending) == n {
			close(all)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("peer Subscribe: %v", err)
	}

	go func() {
		<-all
		mu.Lock()
		defer mu.Unlock()
		// Reply in reverse arrival order, echoing each request's argument.
		for i := len(pending) - 1; i >= 0; i-- {
			req := pending[i]
			args, _ := codec.ExtJSON().Decode(req.Payload)
			v, _ := codec.Lookup(args, "i")
			payload, _ := codec.ExtJSON().Encode(codec.Document{{Key: "i", Value: v}})
			peer.Publish(ctx, transport.Message{
				Topic:    req.Metadata.ReplyTo,
				Payload:  payload,
				Metadata: transport.Metadata{CorrelationKey: req.Metadata.CorrelationKey},
			})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int32) {
			defer wg.Done()
			cmd := client.NewCommand("test_db", "users", "find", codec.Document{{Key: "i", Value: i}})
			res, err := c.Execute(ctx, cmd, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if v, _ := codec.Lookup(res.Document, "i"); v != i {
				errs <- fmt.Errorf("request %d got reply %v", i, v)
			}
		}(int32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	c, _ := setup(t, client.Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, client.NewCommand("test_db", "users", "find", nil), 5*time.Second)
	if !errors.Is(err, correlation.ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrCancelled and DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, client.ErrCommandTimeout) {
		t.Error("context expiry must not be reported as command timeout")
	}
	if n := c.Session().Table().Len(); n != 0 {
		t.Errorf("table Len = %d, want 0", n)
	}
}

func TestClient_InvalidSegment(t *testing.T) {
	published := make(chan struct{}, 1)
	c, _ := setup(t, client.Config{}, func(transport.Message, codec.Document) (codec.Document, string) {
		published <- struct{}{}
		return nil, ""
	})

	_, err := c.Execute(context.Background(), client.NewCommand("test/db", "users", "find", nil), time.Second)
	var segErr *topic.SegmentError
	if !errors.Is(err, topic.ErrInvalidSegment) || !errors.As(err, &segErr) {
		t.Fatalf("expected *SegmentError, got %v", err)
	}
	if segErr.Index != 1 {
		t.Errorf("Index = %d, want 1", segErr.Index)
	}
	select {
	case <-published:
		t.Error("invalid command was published")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_RemoteError(t *testing.T) {
	c, _ := setup(t, client.Config{}, func(transport.Message, codec.Document) (codec.Document, string) {
		return codec.Document{}, "collection not found"
	})

	_, err := c.Execute(context.Background(), client.NewCommand("test_db", "nope", "find", nil), time.Second)
	if !errors.Is(err, client.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	var remote *client.RemoteError
	if !errors.As(err, &remote) || remote.Responder != "worker-1" || remote.Message != "collection not found" {
		t.Errorf("unexpected remote error %+v", remote)
	}
}

func TestClient_DatabaseLevelCommand(t *testing.T) {
	var gotTopic string
	c, _ := setup(t, client.Config{}, func(msg transport.Message, _ codec.Document) (codec.Document, string) {
		gotTopic = msg.Topic
		return codec.Document{{Key: "collectionNames", Value: []string{"users"}}}, ""
	})

	if _, err := c.Execute(context.Background(), client.NewCommand("test_db", "", "list_collection_names", nil), time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotTopic != "mongodb/test_db/list_collection_names" {
		t.Errorf("request topic = %q", gotTopic)
	}
}

func TestClient_NotConnected(t *testing.T) {
	b := memory.NewBroker(memory.Config{})
	defer b.Close()
	s := session.New(b.Conn(), session.Config{})
	c, err := client.New(s, client.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Execute(context.Background(), client.NewCommand("test_db", "users", "find", nil), time.Second)
	if !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if n := s.Table().Len(); n != 0 {
		t.Errorf("table Len = %d, want 0", n)
	}
}

func TestNewCommand_CopiesArguments(t *testing.T) {
	args := codec.Document{{Key: "filter", Value: codec.Document{{Key: "name", Value: "ada"}}}}
	cmd := client.NewCommand("db", "coll", "find", args)

	args[0].Value.(codec.Document)[0].Value = "grace"
	if v, _ := codec.Lookup(cmd.Arguments, "filter", "name"); v != "ada" {
		t.Errorf("command arguments changed to %v", v)
	}
}
