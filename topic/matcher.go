package topic

import (
	"fmt"
	"strings"
)

// Matcher provides pattern matching for hierarchical topics.
type Matcher struct {
	filter   string
	segments []string
}

// NewMatcher creates a matcher for the given filter.
// Filters support:
//   - Exact match: "orders/created" matches only "orders/created"
//   - Single-level wildcard (+): "orders/+" matches "orders/created", "orders/updated"
//   - Multi-level wildcard (#): "orders/#" matches "orders", "orders/created", "orders/created/v2"
func NewMatcher(filter string) *Matcher {
	return &Matcher{
		filter:   filter,
		segments: strings.Split(filter, Separator),
	}
}

// Filter returns the filter the matcher was created with.
func (m *Matcher) Filter() string { return m.filter }

// Matches returns true if the candidate topic matches the filter.
func (m *Matcher) Matches(candidate string) bool {
	return matchSegments(m.segments, strings.Split(candidate, Separator))
}

// Matches reports whether candidate matches filter.
func Matches(filter, candidate string) bool {
	return matchSegments(strings.Split(filter, Separator), strings.Split(candidate, Separator))
}

// HasWildcard reports whether filter contains a wildcard segment.
func HasWildcard(filter string) bool {
	for _, s := range Split(filter) {
		if s == SingleLevelWildcard || s == MultiLevelWildcard {
			return true
		}
	}
	return false
}

// ValidateFilter checks that wildcards occupy whole segments and that "#"
// only appears as the last segment.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	segments := Split(filter)
	for i, s := range segments {
		switch s {
		case "":
			return fmt.Errorf("%w: empty segment %d in %q", ErrInvalidFilter, i, filter)
		case SingleLevelWildcard:
		case MultiLevelWildcard:
			if i != len(segments)-1 {
				return fmt.Errorf("%w: %q must be the last segment in %q", ErrInvalidFilter, MultiLevelWildcard, filter)
			}
		default:
			if strings.ContainsAny(s, SingleLevelWildcard+MultiLevelWildcard) {
				return fmt.Errorf("%w: wildcard inside segment %q", ErrInvalidFilter, s)
			}
		}
	}
	return nil
}

func matchSegments(filter, topic []string) bool {
	fi, ti := 0, 0

	for fi < len(filter) && ti < len(topic) {
		switch filter[fi] {
		case MultiLevelWildcard:
			return true
		case SingleLevelWildcard:
			fi++
			ti++
		default:
			if filter[fi] != topic[ti] {
				return false
			}
			fi++
			ti++
		}
	}

	if fi == len(filter) && ti == len(topic) {
		return true
	}

	// "a/#" also matches its parent level "a".
	if fi == len(filter)-1 && filter[fi] == MultiLevelWildcard {
		return true
	}

	return false
}
