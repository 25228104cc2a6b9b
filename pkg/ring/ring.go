// Package ring implements the bounded lock-free rings that hand burst
// descriptors between the accelerator-facing workers and the application.
package ring

import "sync/atomic"

// slot pairs a value with a sequence number. The sequence is the only
// synchronization between producers and consumers: seq == pos means the
// slot is free for the producer at pos, seq == pos+1 means it holds a
// value for the consumer at pos.
type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded multi-producer/multi-consumer ring. Enqueue and
// Dequeue never block; a full ring rejects the producer and an empty
// ring rejects the consumer. Capacity must be a power of two, at
// least 2: with a single slot the occupied sequence collides with the
// next producer position and the full check cannot distinguish the
// states.
//
// head and tail are padded apart so the producer and consumer cursors
// never share a cache line.
type Ring[T any] struct {
	buf  []slot[T]
	mask uint64
	_    [64]byte
	head atomic.Uint64 // consumer cursor
	_    [64]byte
	tail atomic.Uint64 // producer cursor
}

// New allocates a ring with the given capacity. It panics if capacity
// is not a power of two or is smaller than 2.
func New[T any](capacity int) *Ring[T] {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two, at least 2")
	}
	r := &Ring[T]{
		buf:  make([]slot[T], capacity),
		mask: uint64(capacity - 1),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// Enqueue adds an item. It returns false when the ring is full; the
// caller owns the item and must dispose of it (typically by releasing
// the descriptor back to its pool).
func (r *Ring[T]) Enqueue(v T) bool {
	for {
		pos := r.tail.Load()
		s := &r.buf[pos&r.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if r.tail.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
		case int64(seq)-int64(pos) < 0:
			return false // full
		}
		// Another producer claimed this slot; retry at the new tail.
	}
}

// Dequeue removes the oldest item. It returns false when the ring is
// empty.
func (r *Ring[T]) Dequeue() (T, bool) {
	var zero T
	for {
		pos := r.head.Load()
		s := &r.buf[pos&r.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + r.mask + 1)
				return v, true
			}
		case int64(seq)-int64(pos+1) < 0:
			return zero, false // empty
		}
	}
}

// Len returns the number of items currently queued. The value is
// advisory under concurrent use.
func (r *Ring[T]) Len() int {
	n := int64(r.tail.Load()) - int64(r.head.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
