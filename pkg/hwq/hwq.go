// Package hwq implements the per-queue hardware backends: one RxQueue
// or TxQueue per physical NIC queue, owning its accelerator-visible
// packet buffer and, for receive, the semaphore ring its persistent
// task signals completions through.
package hwq

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/nic"
)

const (
	// DefaultSemRingSlots is the fixed semaphore ring size per queue.
	DefaultSemRingSlots = 1024

	// Buffer-count clamp: queues configured with packets larger than
	// ThresholdPktSize are capped at ThresholdBufNum buffers to bound
	// accelerator memory. The clamp is policy, not an error.
	ThresholdPktSize = 8192
	ThresholdBufNum  = 16384

	// MaxSQDescriptors is the hardware send-descriptor ring capacity.
	// Transmit workers request a completion once a quarter of it is in
	// flight.
	MaxSQDescriptors = 4096

	// TxCompletionThreshold bounds outstanding unacknowledged
	// completions per transmit queue; past it the worker skips the
	// queue until the accelerator catches up.
	TxCompletionThreshold = 8
)

// nextPow2 rounds n up to a power of two.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// RxQueue is the backend of one hardware receive queue.
type RxQueue struct {
	Port uint16
	ID   uint16

	MaxPkts    uint32
	MaxPktSize uint32

	Res *accel.RxResources
	Sem accel.SemRing

	// Pipe is the dedicated flow pipe when an explicit flow rule
	// targets this queue, nil otherwise.
	Pipe nic.Pipe

	flowPort nic.FlowPort
	gpu      accel.Device
}

// NewRxQueue creates the receive backend, rounding buffer geometry to
// powers of two and applying the large-packet buffer-count clamp.
func NewRxQueue(gpu accel.Device, flowPort nic.FlowPort, port, id uint16, numBufs, bufSize int, kind accel.MemType) (*RxQueue, error) {
	numBufs = nextPow2(numBufs)
	if bufSize > ThresholdPktSize && numBufs > ThresholdBufNum {
		slog.Warn("decreasing rx buffer count to bound accelerator memory",
			"port", port, "queue", id, "num_bufs", ThresholdBufNum)
		numBufs = ThresholdBufNum
	}
	bufSize = nextPow2(bufSize)

	res, err := gpu.CreateRxResources(port, id, numBufs, bufSize, kind)
	if err != nil {
		return nil, fmt.Errorf("rx resources port %d queue %d: %w", port, id, err)
	}

	return &RxQueue{
		Port:       port,
		ID:         id,
		MaxPkts:    uint32(numBufs),
		MaxPktSize: uint32(bufSize),
		Res:        res,
		flowPort:   flowPort,
		gpu:        gpu,
	}, nil
}

// CreateFlowPipe installs a dedicated steering pipe for this queue and
// records it for the root pipe. One-time setup.
func (q *RxQueue) CreateFlowPipe(spec nic.FlowSpec, fallback nic.Pipe) error {
	p, err := q.flowPort.CreateFlowPipe(spec, q.Res.FlowQueueID, fallback)
	if err != nil {
		return fmt.Errorf("flow pipe %s port %d queue %d: %w", spec.Name, q.Port, q.ID, err)
	}
	q.Pipe = p
	return nil
}

// CreateSemaphoreRing allocates the completion-signaling ring. One-time
// setup, after flow programming.
func (q *RxQueue) CreateSemaphoreRing() error {
	if q.Sem != nil {
		return fmt.Errorf("semaphore ring already created for port %d queue %d", q.Port, q.ID)
	}
	q.Sem = accel.NewSemaphoreRing(DefaultSemRingSlots)
	return nil
}

// TxQueue is the backend of one hardware transmit queue.
type TxQueue struct {
	Port uint16
	ID   uint16

	MaxPkts    uint32
	MaxPktSize uint32

	Res *accel.TxResources

	// CmpPosted counts completions requested by the worker and not yet
	// acknowledged by the accelerator.
	CmpPosted atomic.Uint32

	// cursor assigns contiguous packet-buffer slots to transmit
	// requests; fetch-add keeps concurrent callers disjoint.
	cursor atomic.Uint64

	gpu accel.Device
}

// NewTxQueue creates the transmit backend.
func NewTxQueue(gpu accel.Device, port, id uint16, numBufs, bufSize int, kind accel.MemType) (*TxQueue, error) {
	numBufs = nextPow2(numBufs)
	bufSize = nextPow2(bufSize)

	q := &TxQueue{
		Port:       port,
		ID:         id,
		MaxPkts:    uint32(numBufs),
		MaxPktSize: uint32(bufSize),
		gpu:        gpu,
	}
	res, err := gpu.CreateTxResources(port, id, numBufs, bufSize, kind, &q.CmpPosted)
	if err != nil {
		return nil, fmt.Errorf("tx resources port %d queue %d: %w", port, id, err)
	}
	q.Res = res
	return q, nil
}

// ReserveSlots claims n contiguous packet-buffer slots and returns the
// first index, modulo the buffer size. Disjoint calls never overlap.
func (q *TxQueue) ReserveSlots(n uint32) uint32 {
	start := q.cursor.Add(uint64(n)) - uint64(n)
	return uint32(start % uint64(q.MaxPkts))
}

// PacketAddr returns the accelerator address of buffer slot idx.
func (q *TxQueue) PacketAddr(idx uint32) uintptr {
	return q.Res.Buffer.Addr + uintptr(idx%q.MaxPkts)*uintptr(q.MaxPktSize)
}

// Progress drives the device's completion processing for this queue.
func (q *TxQueue) Progress() {
	q.gpu.Progress(q.Res.Queue)
}
