package amqp

import (
	"strings"

	"github.com/fxsml/docbridge/topic"
)

// AMQP topic exchanges use "." between words with "*" and "#" as wildcards.
// "#" matches zero or more words, so "a.#" already matches "a".
var (
	wordEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "*", "%2A", "#", "%23")
	wordUnescaper = strings.NewReplacer("%25", "%", "%2E", ".", "%2A", "*", "%23", "#")
)

// RoutingKeyFromTopic converts a "/" topic to an AMQP routing key.
func RoutingKeyFromTopic(t string) string {
	words := topic.Split(t)
	for i, w := range words {
		words[i] = wordEscaper.Replace(w)
	}
	return strings.Join(words, ".")
}

// TopicFromRoutingKey converts a routing key back to a "/" topic.
func TopicFromRoutingKey(key string) string {
	if key == "" {
		return ""
	}
	words := strings.Split(key, ".")
	for i, w := range words {
		words[i] = wordUnescaper.Replace(w)
	}
	return topic.Join(words...)
}

// BindingKeyFromFilter converts a "/" filter to an AMQP binding key.
func BindingKeyFromFilter(filter string) string {
	words := topic.Split(filter)
	for i, w := range words {
		switch w {
		case topic.SingleLevelWildcard:
			words[i] = "*"
		case topic.MultiLevelWildcard:
			words[i] = "#"
		default:
			words[i] = wordEscaper.Replace(w)
		}
	}
	return strings.Join(words, ".")
}
