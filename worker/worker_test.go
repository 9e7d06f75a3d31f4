package worker_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxsml/docbridge/client"
	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/session"
	"github.com/fxsml/docbridge/transport"
	"github.com/fxsml/docbridge/transport/memory"
	"github.com/fxsml/docbridge/worker"
)

func TestParseRequestTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    worker.Request
		wantErr error
	}{
		{
			topic: "mongodb/test_db/users/find",
			want:  worker.Request{Database: "test_db", Collection: "users", Operation: "find"},
		},
		{
			topic: "mongodb/test_db/users/insert_one/extra/levels",
			want:  worker.Request{Database: "test_db", Collection: "users", Operation: "insert_one", Remainder: "extra/levels"},
		},
		{
			topic: "mongodb/test_db/list_collection_names",
			want:  worker.Request{Database: "test_db", Operation: "list_collection_names"},
		},
		{topic: "mongodb/test_db", wantErr: worker.ErrInvalidTopic},
		{topic: "postgres/test_db/users/find", wantErr: worker.ErrInvalidTopic},
		{topic: "mongodb//users/find", wantErr: worker.ErrInvalidTopic},
		{topic: "mongodb/test_db/users/drop", wantErr: worker.ErrUnsupportedOperation},
		{topic: "mongodb/test_db/find", wantErr: worker.ErrUnsupportedOperation},
		{topic: "mongodb/test_db/users/list_collection_names", wantErr: worker.ErrUnsupportedOperation},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := worker.ParseRequestTopic(tt.topic)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequestTopic: %v", err)
			}
			tt.want.Topic = tt.topic
			if got.Topic != tt.want.Topic || got.Database != tt.want.Database ||
				got.Collection != tt.want.Collection || got.Operation != tt.want.Operation ||
				got.Remainder != tt.want.Remainder {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidResponseTopics(t *testing.T) {
	got := worker.ValidResponseTopics([]string{
		"docbridge/response/c1",
		"",
		"mongodb/test_db/users/find",
		"mongodb",
		"mongodbx/ok",
		"docbridge/response/c1",
		"bad/+/wildcard",
	})
	want := []string{"docbridge/response/c1", "mongodbx/ok"}
	if !slices.Equal(got, want) {
		t.Errorf("ValidResponseTopics = %v, want %v", got, want)
	}
	if got := worker.ValidResponseTopics(nil); len(got) != 0 {
		t.Errorf("ValidResponseTopics(nil) = %v", got)
	}
}

func TestOperations(t *testing.T) {
	ops := worker.Operations()
	if len(ops) != 10 || !slices.Contains(ops, worker.OpListCollectionNames) {
		t.Errorf("Operations = %v", ops)
	}
}

type harness struct {
	broker *memory.Broker
	worker *session.Session
	client *client.Client
}

func newHarness(t *testing.T, exec worker.Executor) *harness {
	t.Helper()
	ctx := context.Background()
	b := memory.NewBroker(memory.Config{})
	t.Cleanup(func() { b.Close() })

	ws := session.New(b.Conn(), session.Config{Identity: "worker-1"})
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("worker Connect: %v", err)
	}
	t.Cleanup(func() { ws.Disconnect(context.Background()) })
	if err := worker.New(ws, exec, worker.Config{}).Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c, err := client.Dial(ctx, b.Conn(), session.Config{Identity: "client-1"}, client.Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })

	return &harness{broker: b, worker: ws, client: c}
}

func TestWorker_ExecutesAndReplies(t *testing.T) {
	var got worker.Request
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		got = req
		return codec.Document{{Key: "documents", Value: []any{codec.Document{{Key: "name", Value: "ada"}}}}}, nil
	}))

	cmd := client.NewCommand("test_db", "users", "find", codec.Document{
		{Key: "filter", Value: codec.Document{{Key: "name", Value: "ada"}}},
	})
	res, err := h.client.Execute(context.Background(), cmd, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got.Database != "test_db" || got.Collection != "users" || got.Operation != "find" {
		t.Errorf("executor got %+v", got)
	}
	if v, _ := codec.Lookup(got.Arguments, "filter", "name"); v != "ada" {
		t.Errorf("executor arguments = %v", got.Arguments)
	}
	if res.Responder != "worker-1" {
		t.Errorf("Responder = %q", res.Responder)
	}
	if _, ok := codec.Lookup(res.Document, "documents"); !ok {
		t.Errorf("reply = %v", res.Document)
	}
}

func TestWorker_ExecutorErrorIsReplied(t *testing.T) {
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		return nil, errors.New("ns not found")
	}))

	_, err := h.client.Execute(context.Background(), client.NewCommand("test_db", "nope", "find", nil), time.Second)
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Message != "ns not found" || remote.Responder != "worker-1" {
		t.Errorf("remote = %+v", remote)
	}
}

func TestWorker_UnsupportedOperationIsReplied(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		calls.Add(1)
		return codec.Document{}, nil
	}))

	_, err := h.client.Execute(context.Background(), client.NewCommand("test_db", "users", "drop", nil), time.Second)
	if !errors.Is(err, client.ErrRemote) || !strings.Contains(err.Error(), "unsupported operation") {
		t.Fatalf("expected remote unsupported operation, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("executor called for unsupported operation")
	}
}

func publishRaw(t *testing.T, h *harness, msg transport.Message) <-chan transport.Message {
	t.Helper()
	ctx := context.Background()
	peer := h.broker.Conn()
	if err := peer.Connect(ctx, transport.Options{}); err != nil {
		t.Fatalf("peer Connect: %v", err)
	}
	replies := make(chan transport.Message, 4)
	if _, err := peer.Subscribe(ctx, "replies/#", func(m transport.Message) { replies <- m }); err != nil {
		t.Fatalf("peer Subscribe: %v", err)
	}
	if err := peer.Publish(ctx, msg); err != nil {
		t.Fatalf("peer Publish: %v", err)
	}
	return replies
}

func TestWorker_DropsExpiredRequest(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		calls.Add(1)
		return codec.Document{}, nil
	}))

	replies := publishRaw(t, h, transport.Message{
		Topic: "mongodb/test_db/users/find",
		Metadata: transport.Metadata{
			CorrelationKey: "k1",
			ReplyTo:        "replies/a",
			Expiry:         time.Now().Add(-time.Second),
		},
	})
	select {
	case m := <-replies:
		t.Errorf("unexpected reply on %q", m.Topic)
	case <-time.After(100 * time.Millisecond):
	}
	if calls.Load() != 0 {
		t.Error("executor called for expired request")
	}
}

func TestWorker_ExpiryBoundsExecution(t *testing.T) {
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	replies := publishRaw(t, h, transport.Message{
		Topic: "mongodb/test_db/users/find",
		Metadata: transport.Metadata{
			CorrelationKey: "k1",
			ReplyTo:        "replies/a",
			Expiry:         time.Now().Add(50 * time.Millisecond),
		},
	})
	select {
	case m := <-replies:
		if !strings.Contains(m.Metadata.Error, "request expired") {
			t.Errorf("Error = %q", m.Metadata.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestWorker_RepliesToEveryResponseTopic(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		calls.Add(1)
		return codec.Document{{Key: "count", Value: int64(3)}}, nil
	}))

	replies := publishRaw(t, h, transport.Message{
		Topic:   "mongodb/test_db/users/count_documents",
		Payload: []byte(`{"filter": {}}`),
		Metadata: transport.Metadata{
			CorrelationKey: "k1",
			ReplyTo:        "replies/a",
			ResponseTopics: []string{"replies/b", "mongodb/loop", "replies/a"},
		},
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-replies:
			seen[m.Topic] = true
			if m.Metadata.CorrelationKey != "k1" || m.Metadata.Responder != "worker-1" {
				t.Errorf("reply metadata = %+v", m.Metadata)
			}
		case <-time.After(time.Second):
			t.Fatalf("reply %d missing", i)
		}
	}
	if !seen["replies/a"] || !seen["replies/b"] {
		t.Errorf("replies on %v", seen)
	}
	select {
	case m := <-replies:
		t.Errorf("unexpected extra reply on %q", m.Topic)
	case <-time.After(100 * time.Millisecond):
	}
	if calls.Load() != 1 {
		t.Errorf("executor calls = %d", calls.Load())
	}
}

func TestWorker_NoValidResponseTopicStillExecutes(t *testing.T) {
	done := make(chan struct{}, 1)
	h := newHarness(t, worker.ExecutorFunc(func(ctx context.Context, req worker.Request) (codec.Document, error) {
		done <- struct{}{}
		return codec.Document{}, nil
	}))

	replies := publishRaw(t, h, transport.Message{
		Topic:    "mongodb/test_db/users/delete_one",
		Metadata: transport.Metadata{CorrelationKey: "k1", ReplyTo: "mongodb/test_db/users/find"},
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor not called")
	}
	select {
	case m := <-replies:
		t.Errorf("unexpected reply on %q", m.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}
