package correlation

import (
	"time"
)

// Entry is a single in-flight request. It is completed exactly once, by the
// path that removed it from its table.
type Entry[T any] struct {
	key       string
	createdAt time.Time
	timer     *time.Timer
	done      chan struct{}

	// written once before done is closed
	value T
	err   error
}

func newEntry[T any](key string) *Entry[T] {
	return &Entry[T]{
		key:       key,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Key returns the correlation key.
func (e *Entry[T]) Key() string { return e.key }

// CreatedAt returns the registration time.
func (e *Entry[T]) CreatedAt() time.Time { return e.createdAt }

// Done is closed once the entry is completed.
func (e *Entry[T]) Done() <-chan struct{} { return e.done }

// Result returns the outcome. Only valid after Done is closed.
func (e *Entry[T]) Result() (T, error) {
	select {
	case <-e.done:
		return e.value, e.err
	default:
		var zero T
		return zero, ErrPending
	}
}

func (e *Entry[T]) complete(v T, err error) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.value = v
	e.err = err
	close(e.done)
}
