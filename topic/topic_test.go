package topic_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/fxsml/docbridge/topic"
)

func TestMatches_Exact(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"orders", "orders", true},
		{"orders", "users", false},
		{"orders/created", "orders/created", true},
		{"orders/created", "orders/updated", false},
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.topic, func(t *testing.T) {
			if got := topic.Matches(tt.filter, tt.topic); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}

func TestMatches_SingleLevelWildcard(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"orders/+", "orders/created", true},
		{"orders/+", "orders/updated", true},
		{"orders/+", "orders", false},
		{"orders/+", "orders/created/v2", false},
		{"+/created", "orders/created", true},
		{"+/+", "a/b", true},
		{"+/+/+", "a/b/c", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/b/d", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.topic, func(t *testing.T) {
			if got := topic.NewMatcher(tt.filter).Matches(tt.topic); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestMatches_MultiLevelWildcard(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"mongodb/#", "mongodb", true},
		{"mongodb/#", "mongodb/test_db/find", true},
		{"mongodb/#", "mongodb/test_db/test_collection/insert_one", true},
		{"mongodb/#", "docbridge/response/x", false},
		{"#", "anything", true},
		{"#", "a/b/c/d", true},
		{"a/b/#", "a/b", true},
		{"a/b/#", "a/c", false},
		{"+/orders/#", "eu/orders/created/v2", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.topic, func(t *testing.T) {
			if got := topic.Matches(tt.filter, tt.topic); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	got, err := topic.Build("mongodb", "test_db", "test_collection", "insert_one")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got != "mongodb/test_db/test_collection/insert_one" {
		t.Errorf("got %q", got)
	}
	if !reflect.DeepEqual(got.Segments(), []string{"mongodb", "test_db", "test_collection", "insert_one"}) {
		t.Errorf("Segments = %v", got.Segments())
	}
}

func TestBuild_InvalidSegment(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		index    int
	}{
		{"no segments", nil, 0},
		{"empty", []string{"a", ""}, 1},
		{"separator", []string{"a/b"}, 0},
		{"single wildcard", []string{"a", "+"}, 1},
		{"multi wildcard", []string{"a", "b", "x#"}, 2},
		{"nul", []string{"a\x00"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := topic.Build(tt.segments...)
			if !errors.Is(err, topic.ErrInvalidSegment) {
				t.Fatalf("expected ErrInvalidSegment, got %v", err)
			}
			var se *topic.SegmentError
			if !errors.As(err, &se) {
				t.Fatalf("expected *SegmentError, got %T", err)
			}
			if se.Index != tt.index {
				t.Errorf("Index = %d, want %d", se.Index, tt.index)
			}
		})
	}
}

func TestCommandTopic(t *testing.T) {
	tests := []struct {
		collection string
		want       topic.Topic
	}{
		{"test_collection", "mongodb/test_db/test_collection/find"},
		{"", "mongodb/test_db/find"},
	}
	for _, tt := range tests {
		got, err := topic.CommandTopic("mongodb", "test_db", tt.collection, "find")
		if err != nil {
			t.Fatalf("CommandTopic: %v", err)
		}
		if got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}

	if _, err := topic.CommandTopic("mongodb", "", "c", "find"); !errors.Is(err, topic.ErrInvalidSegment) {
		t.Errorf("expected ErrInvalidSegment for empty database, got %v", err)
	}
}

func TestParseAndAppend(t *testing.T) {
	base, err := topic.Parse("docbridge/response")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := base.Append("client-1")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got != "docbridge/response/client-1" {
		t.Errorf("got %q", got)
	}

	for _, bad := range []string{"", "a//b", "/a", "a/+"} {
		if _, err := topic.Parse(bad); !errors.Is(err, topic.ErrInvalidSegment) {
			t.Errorf("Parse(%q): expected ErrInvalidSegment, got %v", bad, err)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter string
		ok     bool
	}{
		{"mongodb/#", true},
		{"#", true},
		{"a/+/c", true},
		{"a/b", true},
		{"", false},
		{"a/#/c", false},
		{"a/b+", false},
		{"a//b", false},
	}
	for _, tt := range tests {
		err := topic.ValidateFilter(tt.filter)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateFilter(%q) = %v, want ok=%v", tt.filter, err, tt.ok)
		}
		if err != nil && !errors.Is(err, topic.ErrInvalidFilter) {
			t.Errorf("ValidateFilter(%q): expected ErrInvalidFilter, got %v", tt.filter, err)
		}
	}
}

func TestHasWildcard(t *testing.T) {
	if topic.HasWildcard("a/b") {
		t.Error("a/b has no wildcard")
	}
	if !topic.HasWildcard("a/+") || !topic.HasWildcard("#") {
		t.Error("expected wildcard")
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"":           "_",
		"client-1":   "client-1",
		"host/a#b+c": "host_a_b_c",
	}
	for in, want := range tests {
		if got := topic.Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParent(t *testing.T) {
	tests := map[string]string{
		"":      "",
		"a":     "",
		"a/b":   "a",
		"a/b/c": "a/b",
	}
	for in, want := range tests {
		if got := topic.Parent(in); got != want {
			t.Errorf("Parent(%q) = %q, want %q", in, got, want)
		}
	}
}
