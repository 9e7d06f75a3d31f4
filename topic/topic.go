// Package topic builds and matches hierarchical topics.
// Topics are "/" separated strings like "mongodb/test_db/users/find".
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Topic grammar.
const (
	Separator           = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

var (
	// ErrInvalidSegment is returned when a segment is empty or contains a
	// reserved character.
	ErrInvalidSegment = errors.New("topic: invalid segment")
	// ErrInvalidFilter is returned when wildcards are misplaced in a filter.
	ErrInvalidFilter = errors.New("topic: invalid filter")
)

// SegmentError describes the offending segment.
type SegmentError struct {
	Index   int
	Segment string
	Reason  string
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("topic: invalid segment %d %q: %s", e.Index, e.Segment, e.Reason)
}

func (e *SegmentError) Unwrap() error { return ErrInvalidSegment }

// Topic is a validated topic name. It never contains wildcards.
type Topic string

// String returns the topic name.
func (t Topic) String() string { return string(t) }

// Segments returns the topic levels.
func (t Topic) Segments() []string { return Split(string(t)) }

// Build joins segments into a Topic.
// Each segment must be non-empty and free of "/", "+", "#" and NUL.
func Build(segments ...string) (Topic, error) {
	if len(segments) == 0 {
		return "", &SegmentError{Index: 0, Reason: "no segments"}
	}
	for i, s := range segments {
		if err := validateSegment(i, s); err != nil {
			return "", err
		}
	}
	return Topic(strings.Join(segments, Separator)), nil
}

// MustBuild is like Build but panics on error. Intended for constants.
func MustBuild(segments ...string) Topic {
	t, err := Build(segments...)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse validates a topic name.
func Parse(s string) (Topic, error) {
	if s == "" {
		return "", &SegmentError{Index: 0, Reason: "empty topic"}
	}
	return Build(Split(s)...)
}

// Append adds segments to t.
func (t Topic) Append(segments ...string) (Topic, error) {
	return Build(append(t.Segments(), segments...)...)
}

// CommandTopic returns namespace/database[/collection]/operation.
// An empty collection addresses a database-level operation.
func CommandTopic(namespace, database, collection, operation string) (Topic, error) {
	if collection == "" {
		return Build(namespace, database, operation)
	}
	return Build(namespace, database, collection, operation)
}

// Sanitize replaces reserved characters so s can be used as a segment.
// Empty input yields "_".
func Sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

func validateSegment(i int, s string) error {
	switch {
	case s == "":
		return &SegmentError{Index: i, Segment: s, Reason: "empty"}
	case strings.Contains(s, Separator):
		return &SegmentError{Index: i, Segment: s, Reason: "contains separator"}
	case strings.ContainsAny(s, SingleLevelWildcard+MultiLevelWildcard):
		return &SegmentError{Index: i, Segment: s, Reason: "contains wildcard"}
	case strings.ContainsRune(s, 0):
		return &SegmentError{Index: i, Segment: s, Reason: "contains NUL"}
	}
	return nil
}

// Split splits a topic string into its segments.
func Split(topic string) []string {
	if topic == "" {
		return nil
	}
	return strings.Split(topic, Separator)
}

// Join joins topic segments without validation.
func Join(segments ...string) string {
	return strings.Join(segments, Separator)
}

// Parent returns the parent topic of the given topic.
// Returns empty string if the topic has no parent.
func Parent(topic string) string {
	segments := Split(topic)
	if len(segments) <= 1 {
		return ""
	}
	return Join(segments[:len(segments)-1]...)
}
