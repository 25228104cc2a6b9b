package burst

import (
	"errors"
	"log/slog"

	"github.com/psaab/gpuflow/pkg/ring"
)

// ErrPoolEmpty is returned by Acquire when no descriptor is free. It is
// a back-pressure signal: callers on the hot path must drop the
// in-flight batch rather than block.
var ErrPoolEmpty = errors.New("burst: descriptor pool empty")

// Default pool sizes, matching the reference sizing of one under a
// power of two so the backing ring stays at that power of two.
const (
	DefaultRxPoolSize = 1<<6 - 1 // 63
	DefaultTxPoolSize = 1<<7 - 1 // 127
)

// Pool is a fixed-capacity free list of burst descriptors. Acquire and
// Release are safe for concurrent use from any thread.
type Pool struct {
	free     *ring.Ring[*Burst]
	capacity int
}

// NewPool allocates capacity descriptors and runs init once per slot
// before publishing it. Transmit pools use init to attach the
// persistent per-packet length array; receive pools typically pass nil.
func NewPool(capacity int, init func(i int, b *Burst)) *Pool {
	size := 2 // the backing ring's minimum capacity
	for size < capacity {
		size <<= 1
	}
	p := &Pool{
		free:     ring.New[*Burst](size),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		b := &Burst{owner: p}
		if init != nil {
			init(i, b)
		}
		p.free.Enqueue(b)
	}
	return p
}

// Acquire takes a free descriptor or fails with ErrPoolEmpty.
func (p *Pool) Acquire() (*Burst, error) {
	b, ok := p.free.Dequeue()
	if !ok {
		return nil, ErrPoolEmpty
	}
	return b, nil
}

// Release returns a descriptor to the pool. Descriptors the pool never
// produced are ignored: scratch headers silently, another pool's
// descriptors with an error log. Releasing more descriptors than the
// pool ever produced indicates a double-release and is logged.
func (p *Pool) Release(b *Burst) {
	if b == nil || b.owner == nil {
		return
	}
	if b.owner != p {
		slog.Error("burst released to a pool it does not belong to",
			"port", b.Port, "queue", b.Queue)
		return
	}
	b.Reset()
	if !p.free.Enqueue(b) {
		slog.Error("burst pool overflow on release, descriptor double-released?")
	}
}

// Free reports the number of descriptors currently in the pool.
func (p *Pool) Free() int {
	return p.free.Len()
}

// Cap returns the configured pool capacity.
func (p *Pool) Cap() int {
	return p.capacity
}
