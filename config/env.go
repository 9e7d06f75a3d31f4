package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DefaultPrefix is the first segment of every variable name.
const DefaultPrefix = "DOCBRIDGE"

var durationType = reflect.TypeOf(time.Duration(0))

// Loader overlays environment variables onto configuration structs.
//
// A field is read from {Prefix}_{STAGE}_{FIELD}. Named struct fields add
// their own segment, embedded structs are flattened. An empty stage is
// omitted, so the root Config loads DOCBRIDGE_SESSION_ENDPOINT,
// DOCBRIDGE_WORKER_MONGO_URI and so on.
//
// Field names are converted to UPPER_SNAKE_CASE (DefaultTimeout becomes
// DEFAULT_TIMEOUT, MongoURI becomes MONGO_URI). Strings, bools, integers,
// floats and time.Duration are supported; other field types are skipped.
type Loader struct {
	// Prefix for environment variable names.
	// Default: "DOCBRIDGE".
	Prefix string

	// lookup replaces os.LookupEnv in tests.
	lookup func(string) (string, bool)
}

func (l Loader) root(stage string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if s := normalizeStage(stage); s != "" {
		return prefix + "_" + s
	}
	return prefix
}

func (l Loader) lookupEnv(key string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(key)
	}
	return os.LookupEnv(key)
}

// Load sets the fields of the struct pointed to by dst whose variables are
// present. Unset variables leave the current value in place.
func (l Loader) Load(stage string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a pointer to a struct, got %T", dst)
	}
	return l.load(l.root(stage), v.Elem())
}

// Keys lists the variable names Load reads for dst, which may be a struct
// or a pointer to one.
func (l Loader) Keys(stage string, dst any) []string {
	v := reflect.ValueOf(dst)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	walk(l.root(stage), v.Type(), func(key string, _ []int) {
		keys = append(keys, key)
	})
	return keys
}

func (l Loader) load(root string, v reflect.Value) error {
	var err error
	walk(root, v.Type(), func(key string, index []int) {
		if err != nil {
			return
		}
		raw, ok := l.lookupEnv(key)
		if !ok {
			return
		}
		err = setField(v.FieldByIndex(index), raw, key)
	})
	return err
}

// walk calls fn with the variable name and field index of every supported
// leaf field of t.
func walk(prefix string, t reflect.Type, fn func(key string, index []int)) {
	var visit func(prefix string, t reflect.Type, parent []int)
	visit = func(prefix string, t reflect.Type, parent []int) {
		for i := range t.NumField() {
			field := t.Field(i)
			index := append(append([]int(nil), parent...), i)

			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				visit(prefix, field.Type, index)
				continue
			}
			if !field.IsExported() {
				continue
			}

			key := prefix + "_" + toUpperSnake(field.Name)
			switch {
			case field.Type == durationType, isScalar(field.Type.Kind()):
				fn(key, index)
			case field.Type.Kind() == reflect.Struct:
				visit(key, field.Type, index)
			}
		}
	}
	visit(prefix, t, nil)
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func setField(v reflect.Value, raw, key string) error {
	var err error
	switch {
	case v.Type() == durationType:
		var d time.Duration
		if d, err = time.ParseDuration(raw); err == nil {
			v.SetInt(int64(d))
		}
	case v.Kind() == reflect.String:
		v.SetString(raw)
	case v.Kind() == reflect.Bool:
		var b bool
		if b, err = strconv.ParseBool(raw); err == nil {
			v.SetBool(b)
		}
	case v.CanInt():
		var n int64
		if n, err = strconv.ParseInt(raw, 10, v.Type().Bits()); err == nil {
			v.SetInt(n)
		}
	case v.CanUint():
		var n uint64
		if n, err = strconv.ParseUint(raw, 10, v.Type().Bits()); err == nil {
			v.SetUint(n)
		}
	case v.CanFloat():
		var f float64
		if f, err = strconv.ParseFloat(raw, v.Type().Bits()); err == nil {
			v.SetFloat(f)
		}
	}
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	return nil
}

// normalizeStage uppercases letters, maps '-', ' ' and '_' to '_' and
// drops everything else.
func normalizeStage(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(unicode.ToUpper(r))
		case r == '-' || r == ' ' || r == '_':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// toUpperSnake converts CamelCase to UPPER_SNAKE_CASE, keeping acronyms
// together: MongoURI is MONGO_URI, HTTPClient is HTTP_CLIENT.
func toUpperSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
