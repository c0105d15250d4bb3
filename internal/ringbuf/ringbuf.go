// Package ringbuf provides a bounded FIFO that evicts its oldest element
// when full. It backs the candle series and the raw tick buffer.
//
// A Ring is not safe for concurrent use; the owning event loop serialises access.
package ringbuf

// Ring is a fixed-capacity circular buffer. Push never fails: when the
// buffer is full the oldest element is overwritten and counted as evicted.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	size  int
	evict uint64
}

// New creates a ring holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the ring is full.
// Returns true when an element was evicted.
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return false
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.evict++
	return true
}

// At returns the i-th element counting from the oldest. Panics when out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("ringbuf: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.At(r.size - 1), true
}

// SetLast replaces the newest element in place. No-op on an empty ring.
func (r *Ring[T]) SetLast(v T) {
	if r.size == 0 {
		return
	}
	r.buf[(r.head+r.size-1)%len(r.buf)] = v
}

// Slice copies the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Reset empties the ring. The eviction counter is kept.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.size = 0, 0
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Evicted returns how many elements were overwritten since creation.
func (r *Ring[T]) Evicted() uint64 { return r.evict }
