package accel

import (
	"fmt"
	"sync/atomic"
)

// SemStatus is the state of one semaphore slot.
type SemStatus uint32

const (
	// SemFree means the slot is writable by the accelerator task.
	SemFree SemStatus = iota
	// SemReady means the slot holds an undrained completion record.
	SemReady
)

func (s SemStatus) String() string {
	switch s {
	case SemFree:
		return "FREE"
	case SemReady:
		return "READY"
	}
	return fmt.Sprintf("SemStatus(%d)", uint32(s))
}

// CompletionInfo is the record an accelerator task writes into a slot
// before marking it READY.
type CompletionInfo struct {
	NumPkts  uint32
	NumBytes uint32
	Pkt0Idx  uint32
	Pkt0Addr uintptr
}

// SemRing is the handoff ring between a persistent receive task and its
// polling CPU worker. Status and info accesses can fail on real
// hardware (mapped-memory faults); callers treat any error as fatal.
type SemRing interface {
	Size() int
	Status(slot int) (SemStatus, error)
	SetStatus(slot int, s SemStatus) error
	Info(slot int) (CompletionInfo, error)
	// Post writes a completion record and marks the slot READY. It is
	// the producer-side operation used by accelerator tasks.
	Post(slot int, info CompletionInfo) error
}

type semSlot struct {
	status atomic.Uint32
	info   CompletionInfo
}

// SemaphoreRing is the in-memory SemRing implementation. Slot status is
// an atomic word; the info record is published before the READY store
// and read only after a READY load, which is the same release/acquire
// protocol the hardware ring uses.
type SemaphoreRing struct {
	slots []semSlot
}

// NewSemaphoreRing allocates a ring with n slots, all FREE.
func NewSemaphoreRing(n int) *SemaphoreRing {
	return &SemaphoreRing{slots: make([]semSlot, n)}
}

func (r *SemaphoreRing) Size() int { return len(r.slots) }

func (r *SemaphoreRing) Status(slot int) (SemStatus, error) {
	if slot < 0 || slot >= len(r.slots) {
		return SemFree, fmt.Errorf("semaphore: slot %d out of range [0,%d)", slot, len(r.slots))
	}
	return SemStatus(r.slots[slot].status.Load()), nil
}

func (r *SemaphoreRing) SetStatus(slot int, s SemStatus) error {
	if slot < 0 || slot >= len(r.slots) {
		return fmt.Errorf("semaphore: slot %d out of range [0,%d)", slot, len(r.slots))
	}
	r.slots[slot].status.Store(uint32(s))
	return nil
}

func (r *SemaphoreRing) Info(slot int) (CompletionInfo, error) {
	if slot < 0 || slot >= len(r.slots) {
		return CompletionInfo{}, fmt.Errorf("semaphore: slot %d out of range [0,%d)", slot, len(r.slots))
	}
	return r.slots[slot].info, nil
}

func (r *SemaphoreRing) Post(slot int, info CompletionInfo) error {
	if slot < 0 || slot >= len(r.slots) {
		return fmt.Errorf("semaphore: slot %d out of range [0,%d)", slot, len(r.slots))
	}
	s := &r.slots[slot]
	if SemStatus(s.status.Load()) != SemFree {
		return fmt.Errorf("semaphore: slot %d not free", slot)
	}
	s.info = info
	s.status.Store(uint32(SemReady))
	return nil
}
