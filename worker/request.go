package worker

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fxsml/docbridge/codec"
	"github.com/fxsml/docbridge/topic"
)

// Namespace is the first segment of every request topic.
const Namespace = "mongodb"

// Supported operations.
const (
	OpFind                = "find"
	OpAggregate           = "aggregate"
	OpInsertOne           = "insert_one"
	OpInsertMany          = "insert_many"
	OpUpdateOne           = "update_one"
	OpUpdateMany          = "update_many"
	OpDeleteOne           = "delete_one"
	OpDeleteMany          = "delete_many"
	OpCountDocuments      = "count_documents"
	OpListCollectionNames = "list_collection_names"
)

var (
	// ErrInvalidTopic is returned for topics that do not address a command.
	ErrInvalidTopic = errors.New("worker: invalid request topic")
	// ErrUnsupportedOperation is returned for operations the worker does not execute.
	ErrUnsupportedOperation = errors.New("worker: unsupported operation")
)

var (
	collectionOps = []string{
		OpFind, OpAggregate,
		OpInsertOne, OpInsertMany,
		OpUpdateOne, OpUpdateMany,
		OpDeleteOne, OpDeleteMany,
		OpCountDocuments,
	}
	databaseOps = []string{OpListCollectionNames}
)

// Request is a parsed command request.
type Request struct {
	// Topic is the full request topic.
	Topic string
	// Database is the target database.
	Database string
	// Collection is the target collection; empty for database-level operations.
	Collection string
	// Operation is the command to run, one of the Op constants.
	Operation string
	// Remainder holds topic segments after the operation, joined by "/".
	Remainder string
	// Arguments are the decoded command arguments.
	Arguments codec.Document
}

// ParseRequestTopic parses "mongodb/<db>/<op>" and
// "mongodb/<db>/<coll>/<op>[/<rest>...]".
func ParseRequestTopic(t string) (Request, error) {
	segments := topic.Split(t)
	if len(segments) < 3 {
		return Request{}, fmt.Errorf("%w: %q has %d segments", ErrInvalidTopic, t, len(segments))
	}
	if segments[0] != Namespace {
		return Request{}, fmt.Errorf("%w: %q is not under %s", ErrInvalidTopic, t, Namespace)
	}
	for i, s := range segments {
		if s == "" {
			return Request{}, fmt.Errorf("%w: %q has empty segment %d", ErrInvalidTopic, t, i)
		}
	}

	req := Request{Topic: t, Database: segments[1]}
	if len(segments) == 3 {
		req.Operation = segments[2]
		if !slices.Contains(databaseOps, req.Operation) {
			return Request{}, operationError(req.Operation, "database")
		}
		return req, nil
	}

	req.Collection = segments[2]
	req.Operation = segments[3]
	req.Remainder = strings.Join(segments[4:], topic.Separator)
	if !slices.Contains(collectionOps, req.Operation) {
		return Request{}, operationError(req.Operation, "collection")
	}
	return req, nil
}

func operationError(op, level string) error {
	if slices.Contains(collectionOps, op) || slices.Contains(databaseOps, op) {
		return fmt.Errorf("%w: %s is not a %s-level operation", ErrUnsupportedOperation, op, level)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOperation, op)
}

// Operations returns all supported operation names.
func Operations() []string {
	return slices.Concat(collectionOps, databaseOps)
}

// ValidResponseTopics returns the usable reply topics in order, without
// duplicates. Empty topics, topics with wildcards and topics under the
// request namespace are dropped, since replying there would trigger the
// worker again.
func ValidResponseTopics(topics []string) []string {
	var valid []string
	for _, rt := range topics {
		if rt == "" || slices.Contains(valid, rt) {
			continue
		}
		if rt == Namespace || strings.HasPrefix(rt, Namespace+topic.Separator) {
			continue
		}
		if _, err := topic.Parse(rt); err != nil {
			continue
		}
		valid = append(valid, rt)
	}
	return valid
}
