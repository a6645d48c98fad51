package internal

import "sync"

// ring is a bounded FIFO history buffer. When full, pushing evicts the
// oldest element.
type ring[T any] struct {
	mu  sync.Mutex
	buf []T
	max int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{max: capacity}
}

func (r *ring[T]) push(t T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, t)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

// items returns the buffered elements, oldest first.
func (r *ring[T]) items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *ring[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
