// Package mongo executes worker requests against MongoDB with the official
// driver.
//
// Arguments follow the driver's method parameters by name:
//
//	find                  filter, projection, sort, skip, limit
//	aggregate             pipeline
//	insert_one            document
//	insert_many           documents
//	update_one/many       filter, update, upsert
//	delete_one/many       filter
//	count_documents       filter, skip, limit
//	list_collection_names filter
//
// Cursor results are returned as {"documents": [...]}.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/worker"
)

// ErrInvalidArguments is returned when a required argument is missing or has the wrong type.
var ErrInvalidArguments = errors.New("mongo: invalid arguments")

// Config configures the MongoDB connection.
type Config struct {
	// URI is the MongoDB connection string.
	// Default: "mongodb://localhost:27017".
	URI string

	// PingTimeout bounds each reachability check. Default: 5 seconds.
	PingTimeout time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Executor runs requests on a MongoDB client.
type Executor struct {
	client *mongo.Client
	logger *slog.Logger
}

var _ worker.Executor = (*Executor)(nil)

// Connect creates a client and pings the primary until it answers or ctx is
// done, backing off exponentially between attempts.
func Connect(ctx context.Context, config Config) (*Executor, error) {
	config = config.applyDefaults()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, config.PingTimeout)
		defer cancel()
		return client.Ping(pctx, readpref.Primary())
	}
	notify := func(err error, next time.Duration) {
		config.Logger.Warn("MongoDB not reachable, retrying", "error", err, "retry_in", next)
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	config.Logger.Info("MongoDB connected")
	return New(client, config.Logger), nil
}

// New wraps an existing client.
func New(client *mongo.Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{client: client, logger: logger}
}

// Close disconnects the client.
func (e *Executor) Close(ctx context.Context) error {
	return e.client.Disconnect(ctx)
}

// Execute runs req and returns its result document.
func (e *Executor) Execute(ctx context.Context, req worker.Request) (codec.Document, error) {
	db := e.client.Database(req.Database)
	args := arguments(req.Arguments)

	if req.Collection == "" {
		switch req.Operation {
		case worker.OpListCollectionNames:
			return listCollectionNames(ctx, db, args)
		}
		return nil, fmt.Errorf("%w: %s", worker.ErrUnsupportedOperation, req.Operation)
	}

	coll := db.Collection(req.Collection)
	switch req.Operation {
	case worker.OpFind:
		return find(ctx, coll, args)
	case worker.OpAggregate:
		return aggregate(ctx, coll, args)
	case worker.OpInsertOne:
		return insertOne(ctx, coll, args)
	case worker.OpInsertMany:
		return insertMany(ctx, coll, args)
	case worker.OpUpdateOne:
		return update(ctx, coll, args, coll.UpdateOne)
	case worker.OpUpdateMany:
		return update(ctx, coll, args, coll.UpdateMany)
	case worker.OpDeleteOne:
		return deleteDocs(ctx, coll, args, coll.DeleteOne)
	case worker.OpDeleteMany:
		return deleteDocs(ctx, coll, args, coll.DeleteMany)
	case worker.OpCountDocuments:
		return countDocuments(ctx, coll, args)
	}
	return nil, fmt.Errorf("%w: %s", worker.ErrUnsupportedOperation, req.Operation)
}

func find(ctx context.Context, coll *mongo.Collection, args arguments) (codec.Document, error) {
	opts := options.Find()
	if v, ok := args.get("projection"); ok {
		opts.SetProjection(v)
	}
	if v, ok := args.get("sort"); ok {
		opts.SetSort(v)
	}
	if n, ok, err := args.int64("skip"); err != nil {
		return nil, err
	} else if ok {
		opts.SetSkip(n)
	}
	if n, ok, err := args.int64("limit"); err != nil {
		return nil, err
	} else if ok {
		opts.SetLimit(n)
	}

	cur, err := coll.Find(ctx, args.filter(), opts)
	if err != nil {
		return nil, err
	}
	return collect(ctx, cur)
}

func aggregate(ctx context.Context, coll *mongo.Collection, args arguments) (codec.Document, error) {
	pipeline, ok := args.get("pipeline")
	if !ok {
		pipeline = bson.A{}
	}
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return collect(ctx, cur)
}

func collect(ctx context.Context, cur *mongo.Cursor) (codec.Document, error) {
	var docs []codec.Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make(bson.A, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return codec.Document{{Key: "documents", Value: out}}, nil
}

func insertOne(ctx context.Context, coll *mongo.Collection, args arguments) (codec.Document, error) {
	doc, ok := args.get("document")
	if !ok {
		return nil, fmt.Errorf("%w: insert_one needs document", ErrInvalidArguments)
	}
	res, err := coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return codec.Document{{Key: "insertedId", Value: res.InsertedID}}, nil
}

func insertMany(ctx context.Context, coll *mongo.Collection, args arguments) (codec.Document, error) {
	v, _ := args.get("documents")
	docs, ok := v.(bson.A)
	if !ok || len(docs) == 0 {
		return nil, fmt.Errorf("%w: insert_many needs a non-empty documents array", ErrInvalidArguments)
	}
	res, err := coll.InsertMany(ctx, []interface{}(docs))
	if err != nil {
		return nil, err
	}
	return codec.Document{{Key: "insertedIds", Value: bson.A(res.InsertedIDs)}}, nil
}

type updateFunc func(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)

func update(ctx context.Context, coll *mongo.Collection, args arguments, fn updateFunc) (codec.Document, error) {
	upd, ok := args.get("update")
	if !ok {
		return nil, fmt.Errorf("%w: update needs update", ErrInvalidArguments)
	}
	opts := options.Update()
	if v, ok := args.get("upsert"); ok {
		upsert, isBool := v.(bool)
		if !isBool {
			return nil, fmt.Errorf("%w: upsert must be a boolean", ErrInvalidArguments)
		}
		opts.SetUpsert(upsert)
	}
	res, err := fn(ctx, args.filter(), upd, opts)
	if err != nil {
		return nil, err
	}
	return codec.Document{
		{Key: "matchedCount", Value: res.MatchedCount},
		{Key: "modifiedCount", Value: res.ModifiedCount},
		{Key: "upsertedCount", Value: res.UpsertedCount},
		{Key: "upsertedId", Value: res.UpsertedID},
	}, nil
}

type deleteFunc func(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)

func deleteDocs(ctx context.Context, coll *mongo.Collection, args arguments, fn deleteFunc) (codec.Document, error) {
	res, err := fn(ctx, args.filter())
	if err != nil {
		return nil, err
	}
	return codec.Document{{Key: "deletedCount", Value: res.DeletedCount}}, nil
}

func countDocuments(ctx context.Context, coll *mongo.Collection, args arguments) (codec.Document, error) {
	opts := options.Count()
	if n, ok, err := args.int64("skip"); err != nil {
		return nil, err
	} else if ok {
		opts.SetSkip(n)
	}
	if n, ok, err := args.int64("limit"); err != nil {
		return nil, err
	} else if ok {
		opts.SetLimit(n)
	}
	n, err := coll.CountDocuments(ctx, args.filter(), opts)
	if err != nil {
		return nil, err
	}
	return codec.Document{{Key: "count", Value: n}}, nil
}

func listCollectionNames(ctx context.Context, db *mongo.Database, args arguments) (codec.Document, error) {
	names, err := db.ListCollectionNames(ctx, args.filter())
	if err != nil {
		return nil, err
	}
	out := make(bson.A, len(names))
	for i, n := range names {
		out[i] = n
	}
	return codec.Document{{Key: "collectionNames", Value: out}}, nil
}
