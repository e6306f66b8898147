// Package watch provides a single-slot broadcast cell.
//
// A Cell holds exactly one current value. Publishing overwrites it and bumps a
// version counter; readers always see the latest value and never a backlog, so
// a slow reader silently misses intermediate values.
package watch

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Receiver.Changed once the cell has been closed.
var ErrClosed = errors.New("watch: cell closed")

type Cell[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	closed  bool
	notify  chan struct{}
}

func New[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value:  initial,
		notify: make(chan struct{}),
	}
}

// Publish replaces the current value and wakes every waiting reader.
// Publishing to a closed cell is a no-op.
func (c *Cell[T]) Publish(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.value = v
	c.version++
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Cell[T]) Load() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Snapshot returns the current value together with its version.
func (c *Cell[T]) Snapshot() (T, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.version
}

func (c *Cell[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Close marks the cell as finished. Waiting readers are woken and get ErrClosed.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

func (c *Cell[T]) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Subscribe returns a receiver that has observed the current version.
func (c *Cell[T]) Subscribe() *Receiver[T] {
	return &Receiver[T]{cell: c, seen: c.Version()}
}

// SubscribeUnseen returns a receiver for which the current value counts as new.
func (c *Cell[T]) SubscribeUnseen() *Receiver[T] {
	return &Receiver[T]{cell: c}
}

// wait returns a channel that is closed on the next publish or close, or nil
// when a version newer than seen is already available.
func (c *Cell[T]) wait(seen uint64) (<-chan struct{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.version > seen {
		return nil, nil
	}
	if c.closed {
		return nil, ErrClosed
	}
	return c.notify, nil
}

// Receiver tracks the last version observed by one reader of a Cell.
// A Receiver must not be shared between goroutines.
type Receiver[T any] struct {
	cell *Cell[T]
	seen uint64
}

// Borrow returns the latest value without marking it as seen.
func (r *Receiver[T]) Borrow() T {
	return r.cell.Load()
}

// BorrowAndUpdate returns the latest value and marks it as seen.
func (r *Receiver[T]) BorrowAndUpdate() T {
	v, version := r.cell.Snapshot()
	if version > r.seen {
		r.seen = version
	}
	return v
}

// HasChanged reports whether a value newer than the last seen one was published.
func (r *Receiver[T]) HasChanged() bool {
	return r.cell.Version() > r.seen
}

// Changed blocks until a value newer than the last seen one is available, the
// cell is closed, or ctx is done. It does not mark the new value as seen.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	for {
		ch, err := r.cell.wait(r.seen)
		if err != nil {
			return err
		}
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
