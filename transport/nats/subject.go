package nats

import (
	"strings"

	"github.com/fxsml/docbridge/topic"
)

// NATS subjects use "." between tokens and "*" / ">" as wildcards.
// Characters NATS reserves inside a token are percent-escaped.
var (
	tokenEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", " ", "%20", "*", "%2A", ">", "%3E")
	tokenUnescaper = strings.NewReplacer("%25", "%", "%2E", ".", "%20", " ", "%2A", "*", "%3E", ">")
)

// SubjectFromTopic converts a "/" topic to a NATS subject.
func SubjectFromTopic(t string) string {
	segments := topic.Split(t)
	for i, s := range segments {
		segments[i] = tokenEscaper.Replace(s)
	}
	return strings.Join(segments, ".")
}

// TopicFromSubject converts a NATS subject back to a "/" topic.
func TopicFromSubject(subject string) string {
	if subject == "" {
		return ""
	}
	tokens := strings.Split(subject, ".")
	for i, s := range tokens {
		tokens[i] = tokenUnescaper.Replace(s)
	}
	return topic.Join(tokens...)
}

// SubjectsFromFilter converts a "/" filter to the NATS subjects that cover it.
// A trailing "#" also matches its parent level, which NATS ">" does not, so
// "a/#" yields both "a.>" and "a".
func SubjectsFromFilter(filter string) []string {
	segments := topic.Split(filter)
	for i, s := range segments {
		switch s {
		case topic.SingleLevelWildcard:
			segments[i] = "*"
		case topic.MultiLevelWildcard:
			segments[i] = ">"
		default:
			segments[i] = tokenEscaper.Replace(s)
		}
	}
	subjects := []string{strings.Join(segments, ".")}
	if n := len(segments); n > 1 && segments[n-1] == ">" {
		subjects = append(subjects, strings.Join(segments[:n-1], "."))
	}
	return subjects
}
