// Package accel defines the boundary with the accelerator collaborator:
// device handles, packet-buffer placement, persistent task launches and
// the semaphore rings the tasks signal completions through.
//
// Kernel bodies are outside this engine; implementations of Device wrap
// whatever vendor runtime actually runs them. The sim package provides
// an in-process implementation for tests and hardware-less operation.
package accel

import (
	"context"
	"sync/atomic"
)

// MemType selects where a packet buffer lives.
type MemType int

const (
	// MemDevice is accelerator-exclusive memory.
	MemDevice MemType = iota
	// MemHostPinned is host-pinned, accelerator-visible memory.
	MemHostPinned
)

func (m MemType) String() string {
	switch m {
	case MemDevice:
		return "device"
	case MemHostPinned:
		return "host_pinned"
	}
	return "unknown"
}

// Buffer is an accelerator-visible packet buffer. Addr is the address
// the accelerator (and descriptors) use; Host is non-nil only when the
// buffer is host-visible.
type Buffer struct {
	Addr uintptr
	Len  int
	Host []byte
}

// RxDescTable and TxQueueHandle are opaque per-queue handles created by
// the device and consumed only by its own tasks.
type (
	RxDescTable   any
	TxQueueHandle any
)

// RxResources bundles the accelerator-side resources of one hardware
// receive queue.
type RxResources struct {
	Desc   RxDescTable
	Buffer *Buffer
	// FlowQueueID is the hardware flow-steering queue ordinal used when
	// installing distribution rules.
	FlowQueueID uint16
}

// TxResources bundles the accelerator-side resources of one hardware
// transmit queue.
type TxResources struct {
	Queue  TxQueueHandle
	Buffer *Buffer
}

// ExitFlag is the cooperative stop signal shared between a CPU worker
// and its persistent task. It lives in accelerator-visible memory on
// real hardware; here an atomic word carries the same contract.
type ExitFlag struct {
	v atomic.Uint32
}

// Set raises the flag. It is never lowered.
func (f *ExitFlag) Set() { f.v.Store(1) }

// Raised reports whether the flag has been set.
func (f *ExitFlag) Raised() bool { return f.v.Load() != 0 }

// ReceiveQueue describes one queue a persistent receive task serves.
type ReceiveQueue struct {
	Desc      RxDescTable
	Sem       SemRing
	BatchSize uint32
}

// ReceiveTaskConfig parametrizes a persistent receive task launch.
// Activate false launches the task in warmup mode: it runs the code
// path once without touching queues, so the real launch pays no
// first-launch cost.
type ReceiveTaskConfig struct {
	Queues   []ReceiveQueue
	Exit     *ExitFlag
	Activate bool
}

// Task is a running persistent accelerator task.
type Task interface {
	// Synchronize blocks until the task has observed its exit flag and
	// stopped, or ctx expires.
	Synchronize(ctx context.Context) error
}

// SendArgs submits one burst to a transmit queue's send task. The
// submission is fire-and-forget: completion is observed later through
// the completion counter registered at queue creation.
type SendArgs struct {
	Queue   TxQueueHandle
	Pkt0Idx uint32
	NumPkts uint32
	MaxPkts uint32
	Lens    []uint32
	// RequestCompletion asks the task to post a completion event for
	// this launch, incrementing the queue's outstanding counter until
	// the accelerator acknowledges it.
	RequestCompletion bool
}

// Device is one accelerator device.
type Device interface {
	// Ordinal returns the device index used for memory-region affinity.
	Ordinal() int

	// CreateRxResources allocates the descriptor table and packet
	// buffer for a receive queue. numBufs and bufSize are already
	// rounded to powers of two by the caller.
	CreateRxResources(port, queue uint16, numBufs, bufSize int, kind MemType) (*RxResources, error)

	// CreateTxResources allocates transmit-side resources. completions
	// is decremented by the device each time a requested completion is
	// acknowledged.
	CreateTxResources(port, queue uint16, numBufs, bufSize int, kind MemType, completions *atomic.Uint32) (*TxResources, error)

	// LaunchReceiveTask starts the long-lived receive task.
	LaunchReceiveTask(cfg ReceiveTaskConfig) (Task, error)

	// WarmupSend runs the send path once in non-functional mode.
	WarmupSend(ctx context.Context, q TxQueueHandle) error

	// LaunchSend submits one burst to the queue's send task.
	LaunchSend(args SendArgs) error

	// Progress drives completion processing for a transmit queue,
	// letting pending acknowledgements decrement the counter.
	Progress(q TxQueueHandle)

	Close() error
}

// Provider resolves accelerator devices by ordinal.
type Provider interface {
	Device(ordinal int) (Device, error)
}
