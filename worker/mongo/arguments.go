package mongo

import (
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/fxsml/docbridge/codec"
)

type arguments codec.Document

func (a arguments) get(key string) (any, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Value, e.Value != nil
		}
	}
	return nil, false
}

// filter returns the "filter" argument, or an empty filter matching all documents.
func (a arguments) filter() any {
	if v, ok := a.get("filter"); ok {
		return v
	}
	return bson.D{}
}

func (a arguments) int64(key string) (int64, bool, error) {
	v, ok := a.get(key)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int32:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case int:
		return int64(n), true, nil
	case float64:
		// 2^63 itself is out of range; -2^63 is not.
		if n == math.Trunc(n) && n >= math.MinInt64 && n < -math.MinInt64 {
			return int64(n), true, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidArguments, key, v)
}
