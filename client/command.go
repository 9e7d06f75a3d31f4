package client

import (
	"time"

	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/topic"
)

// Namespace is the first topic segment of every database command.
const Namespace = "mongodb"

// Command is a database command addressed by topic.
type Command struct {
	Namespace  string
	Database   string
	Collection string // empty for database-level operations
	Operation  string
	Arguments  codec.Document
}

// NewCommand returns a command in the default namespace. The arguments are
// deep-copied, so later changes to args do not affect the command.
func NewCommand(database, collection, operation string, args codec.Document) Command {
	return Command{
		Namespace:  Namespace,
		Database:   database,
		Collection: collection,
		Operation:  operation,
		Arguments:  codec.Clone(args),
	}
}

// Topic returns the request topic, e.g. "mongodb/test_db/users/find".
func (c Command) Topic() (topic.Topic, error) {
	ns := c.Namespace
	if ns == "" {
		ns = Namespace
	}
	return topic.CommandTopic(ns, c.Database, c.Collection, c.Operation)
}

// Result is the decoded reply to a command.
type Result struct {
	// Document is the decoded reply payload.
	Document codec.Document
	// Latency is the time from publishing the request to receiving the reply.
	Latency time.Duration
	// Responder identifies the worker that replied.
	Responder string
	// Topic is the request topic.
	Topic topic.Topic
	// Key is the correlation key of the exchange.
	Key string
}
