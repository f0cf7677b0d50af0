// Package handle provides reference-counted capabilities.
//
// A Handle is one reference to a shared value. References are acquired with
// Clone and dropped with Release; the value's teardown callback runs once,
// when the last reference is released. Using a reference after releasing it,
// or releasing it twice, is reported as an error instead of being ignored.
package handle

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrReleased is returned when a released reference is used.
	ErrReleased = errors.New("handle: use after release")

	// ErrDoubleRelease is returned when a reference is released more than once.
	ErrDoubleRelease = errors.New("handle: released twice")
)

// shared is the state common to every reference of one value.
type shared[T any] struct {
	mu     sync.Mutex
	value  T
	refs   int
	onZero func(T)
}

// Handle is a single reference to a shared value.
type Handle[T any] struct {
	s        *shared[T]
	released atomic.Bool
}

// New creates the first reference to value. onZero (may be nil) runs once
// when the last reference is released.
func New[T any](value T, onZero func(T)) *Handle[T] {
	return &Handle[T]{s: &shared[T]{value: value, refs: 1, onZero: onZero}}
}

// Get returns the referenced value.
func (h *Handle[T]) Get() (T, error) {
	if h.released.Load() {
		var zero T
		return zero, ErrReleased
	}
	return h.s.value, nil
}

// Clone acquires a new, independent reference to the same value.
func (h *Handle[T]) Clone() (*Handle[T], error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.refs == 0 {
		return nil, ErrReleased
	}
	h.s.refs++
	return &Handle[T]{s: h.s}, nil
}

// Release drops this reference. The teardown callback runs when the last
// reference goes away.
func (h *Handle[T]) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}

	h.s.mu.Lock()
	h.s.refs--
	last := h.s.refs == 0
	h.s.mu.Unlock()

	if last && h.s.onZero != nil {
		h.s.onZero(h.s.value)
	}
	return nil
}

// Released reports whether this reference has been released.
func (h *Handle[T]) Released() bool {
	return h.released.Load()
}

// Refs returns the number of live references to the shared value.
func (h *Handle[T]) Refs() int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.refs
}

// Scope acquires a reference for the duration of fn and releases it on every
// exit path. fn may release the scoped reference early through the handle it
// receives; the deferred release then does nothing.
func Scope[T any](h *Handle[T], fn func(*Handle[T]) error) (err error) {
	scoped, err := h.Clone()
	if err != nil {
		return err
	}
	defer func() {
		if !scoped.Released() {
			if relErr := scoped.Release(); relErr != nil && err == nil {
				err = relErr
			}
		}
	}()
	return fn(scoped)
}
