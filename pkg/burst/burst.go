// Package burst defines the burst descriptor exchanged between the
// accelerator workers and the application, plus the fixed-capacity
// pools the descriptors are recycled through.
package burst

import "fmt"

// Burst describes one batch of packets resident in accelerator memory.
// The packet payload never moves through this struct; it carries only
// addresses and per-packet lengths.
//
// A descriptor is owned by exactly one party at a time: the pool, a
// software ring, the worker that acquired it, or the application. It
// returns to its pool exactly once.
type Burst struct {
	Port  uint16
	Queue uint16

	NumPkts  uint32
	NumBytes uint64

	// Pkt0Idx/Pkt0Addr locate the first packet of the batch inside the
	// queue's circular packet buffer. BaseAddr is the buffer base, used
	// when the batch wraps.
	Pkt0Idx  uint32
	Pkt0Addr uintptr
	BaseAddr uintptr

	// Geometry of the owning queue's packet buffer.
	MaxPkts    uint32
	MaxPktSize uint32

	// Lens holds per-packet byte lengths. Transmit pools allocate it
	// once per slot at pool construction; receive descriptors leave it
	// nil.
	Lens []uint32

	// owner is the pool this descriptor recycles through, nil for
	// scratch headers that are never pooled.
	owner *Pool
}

// Reset clears batch state but keeps the persistent Lens allocation.
func (b *Burst) Reset() {
	b.Port = 0
	b.Queue = 0
	b.NumPkts = 0
	b.NumBytes = 0
	b.Pkt0Idx = 0
	b.Pkt0Addr = 0
	b.BaseAddr = 0
	b.MaxPkts = 0
	b.MaxPktSize = 0
}

// PacketPtr returns the accelerator address of packet idx within the
// burst, accounting for wrap-around in the queue's circular buffer.
func (b *Burst) PacketPtr(idx int) uintptr {
	pkt := b.Pkt0Idx + uint32(idx)
	if pkt < b.MaxPkts {
		return b.Pkt0Addr + uintptr(idx)*uintptr(b.MaxPktSize)
	}
	return b.BaseAddr + uintptr(pkt%b.MaxPkts)*uintptr(b.MaxPktSize)
}

// SetPacketLength records the byte length of packet idx for transmit.
func (b *Burst) SetPacketLength(idx int, length uint32) error {
	if idx < 0 || idx >= len(b.Lens) {
		return fmt.Errorf("burst: packet index %d out of range (max batch %d)", idx, len(b.Lens))
	}
	b.Lens[idx] = length
	return nil
}
