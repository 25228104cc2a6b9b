package engine

import "fmt"

// QueueKey identifies one hardware queue across every per-queue lookup
// table: rings, backends and flow bindings all key on it. The packing
// is an implementation detail; use the constructor and accessors.
type QueueKey uint32

// NewQueueKey combines a port and queue ordinal into a key. The mapping
// is a bijection over the full 16-bit ranges.
func NewQueueKey(port, queue uint16) QueueKey {
	return QueueKey(uint32(port)<<16 | uint32(queue))
}

// Port returns the port ordinal.
func (k QueueKey) Port() uint16 { return uint16(k >> 16) }

// Queue returns the queue ordinal.
func (k QueueKey) Queue() uint16 { return uint16(k) }

func (k QueueKey) String() string {
	return fmt.Sprintf("p%dq%d", k.Port(), k.Queue())
}
