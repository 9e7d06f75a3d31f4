// Package correlation tracks in-flight requests awaiting asynchronous replies.
//
// A [Table] maps correlation keys to [Entry] values. Each entry is completed
// exactly once, by whichever of reply, expiry or cancellation removes it from
// the table first. Removal is a compare-and-remove under the key's shard lock,
// so a late reply never resolves an entry the expiry path already discarded.
//
//	tbl := correlation.New[Reply](correlation.Config{})
//	e, err := tbl.Register(key, 5*time.Second)
//	...
//	reply, err := tbl.Await(ctx, e) // ErrTimedOut after 5s
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrDuplicateKey is returned by Register when the key is already in flight.
	ErrDuplicateKey = errors.New("correlation: duplicate key")
	// ErrTimedOut completes entries whose timeout elapsed before a reply.
	ErrTimedOut = errors.New("correlation: timed out")
	// ErrCancelled completes entries removed by Cancel, CancelAll or a done context.
	ErrCancelled = errors.New("correlation: cancelled")
	// ErrPending is returned by Entry.Result before the entry is completed.
	ErrPending = errors.New("correlation: pending")
)

// Config configures a Table.
type Config struct {
	// Shards is the number of independently locked key partitions.
	// Default: 32.
	Shards int

	// Logger for expiry and cancellation events. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 32
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a snapshot of table counters.
type Stats struct {
	Pending   int64
	Resolved  int64
	Expired   int64
	Cancelled int64
}

type shard[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]
}

// Table is safe for concurrent use.
type Table[T any] struct {
	config Config
	shards []*shard[T]

	pending   atomic.Int64
	resolved  atomic.Int64
	expired   atomic.Int64
	cancelled atomic.Int64
}

// New creates an empty table.
func New[T any](config Config) *Table[T] {
	cfg := config.applyDefaults()
	t := &Table[T]{
		config: cfg,
		shards: make([]*shard[T], cfg.Shards),
	}
	for i := range t.shards {
		t.shards[i] = &shard[T]{entries: make(map[string]*Entry[T])}
	}
	return t
}

func (t *Table[T]) shardFor(key string) *shard[T] {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// Register adds an entry for key. A positive timeout arms expiry: once it
// elapses the entry is removed and completed with ErrTimedOut, whether or
// not anyone awaits it.
func (t *Table[T]) Register(key string, timeout time.Duration) (*Entry[T], error) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}

	e := newEntry[T](key)
	s.entries[key] = e
	t.pending.Add(1)
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { t.expire(e) })
	}
	return e, nil
}

// Resolve completes the entry for key with v.
// Returns false if the key is absent or was already completed.
func (t *Table[T]) Resolve(key string, v T) bool {
	e := t.take(key)
	if e == nil {
		return false
	}
	t.resolved.Add(1)
	e.complete(v, nil)
	return true
}

// Fail completes the entry for key with err.
// Returns false if the key is absent or was already completed.
func (t *Table[T]) Fail(key string, err error) bool {
	e := t.take(key)
	if e == nil {
		return false
	}
	t.resolved.Add(1)
	var zero T
	e.complete(zero, err)
	return true
}

// Cancel removes the entry for key and completes it with ErrCancelled.
func (t *Table[T]) Cancel(key string) bool {
	e := t.take(key)
	if e == nil {
		return false
	}
	t.cancelled.Add(1)
	var zero T
	e.complete(zero, ErrCancelled)
	return true
}

// CancelAll drains the table, completing every entry with an error that
// matches ErrCancelled and cause. Returns the number of entries cancelled.
func (t *Table[T]) CancelAll(cause error) int {
	err := ErrCancelled
	if cause != nil && !errors.Is(cause, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	} else if cause != nil {
		err = cause
	}

	var drained []*Entry[T]
	for _, s := range t.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			drained = append(drained, e)
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}

	var zero T
	for _, e := range drained {
		t.pending.Add(-1)
		t.cancelled.Add(1)
		e.complete(zero, err)
	}
	if len(drained) > 0 {
		t.config.Logger.Debug("Cancelled pending correlations", "count", len(drained), "cause", cause)
	}
	return len(drained)
}

// Await blocks until e is completed or ctx is done. When ctx is done first,
// the entry is cancelled and the returned error matches both ErrCancelled
// and ctx.Err(). If a reply won the race, the reply is returned instead.
func (t *Table[T]) Await(ctx context.Context, e *Entry[T]) (T, error) {
	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
	}

	if t.remove(e) {
		t.cancelled.Add(1)
		var zero T
		e.complete(zero, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	}
	<-e.done
	return e.value, e.err
}

// Has reports whether key is in flight.
func (t *Table[T]) Has(key string) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of in-flight entries.
func (t *Table[T]) Len() int {
	return int(t.pending.Load())
}

// Stats returns a snapshot of the table counters.
func (t *Table[T]) Stats() Stats {
	return Stats{
		Pending:   t.pending.Load(),
		Resolved:  t.resolved.Load(),
		Expired:   t.expired.Load(),
		Cancelled: t.cancelled.Load(),
	}
}

func (t *Table[T]) expire(e *Entry[T]) {
	if !t.remove(e) {
		return
	}
	t.expired.Add(1)
	t.config.Logger.Debug("Correlation expired", "key", e.key, "age", time.Since(e.createdAt))
	var zero T
	e.complete(zero, ErrTimedOut)
}

// take removes and returns the entry for key, or nil.
func (t *Table[T]) take(key string) *Entry[T] {
	s := t.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if ok {
		t.pending.Add(-1)
	}
	return e
}

// remove deletes e only if it is still the entry registered under its key.
func (t *Table[T]) remove(e *Entry[T]) bool {
	s := t.shardFor(e.key)
	s.mu.Lock()
	cur, ok := s.entries[e.key]
	if ok && cur == e {
		delete(s.entries, e.key)
	}
	s.mu.Unlock()
	if ok && cur == e {
		t.pending.Add(-1)
		return true
	}
	return false
}
