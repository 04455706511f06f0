package util

import (
	"sync"
)

// AtomicEvent keeps only the most recently published value of T. Readers
// select on Channel() and then call Value(); publishing never blocks, so a
// slow reader simply sees fewer, newer values.
type AtomicEvent[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	notify  chan struct{}
}

func NewAtomicEvent[T any]() *AtomicEvent[T] {
	return &AtomicEvent[T]{
		notify: make(chan struct{}, 1),
	}
}

// Send replaces the stored value and signals waiting readers.
func (ae *AtomicEvent[T]) Send(event T) {
	ae.mu.Lock()
	ae.value = event
	ae.version++
	ae.mu.Unlock()

	select {
	case ae.notify <- struct{}{}:
	default:
		// a notification is already pending
	}
}

// Channel returns the notification channel for use in select statements.
func (ae *AtomicEvent[T]) Channel() <-chan struct{} {
	return ae.notify
}

// Value returns the latest value.
func (ae *AtomicEvent[T]) Value() T {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.value
}

// Version counts the calls to Send so far.
func (ae *AtomicEvent[T]) Version() uint64 {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.version
}
