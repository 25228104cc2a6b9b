package engine

import (
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/psaab/gpuflow/pkg/burst"
	"github.com/psaab/gpuflow/pkg/hwq"
	"github.com/psaab/gpuflow/pkg/logging"
	"github.com/psaab/gpuflow/pkg/worker"
)

// Application-facing errors. All are non-fatal: the caller retries,
// drops, or fixes its queue addressing.
var (
	// ErrNoBurst means the receive ring is empty right now.
	ErrNoBurst = errors.New("engine: no burst available")
	// ErrNoSpace means the transmit ring is full; the burst was dropped
	// and its descriptor already returned to the pool.
	ErrNoSpace = errors.New("engine: transmit ring full")
	// ErrInvalidQueue means no queue with that port/id was configured.
	ErrInvalidQueue = errors.New("engine: unknown port/queue")
	// ErrInvalidPort means no interface with that port was configured.
	ErrInvalidPort = errors.New("engine: unknown port")
)

// GetRxBurst dequeues the next received burst for one queue. The
// caller owns the descriptor until it passes it to FreeRxBurst.
func (m *Manager) GetRxBurst(port, queue uint16) (*burst.Burst, error) {
	r, ok := m.rxRings[NewQueueKey(port, queue)]
	if !ok {
		return nil, fmt.Errorf("rx burst port %d queue %d: %w", port, queue, ErrInvalidQueue)
	}
	b, ok := r.Dequeue()
	if !ok {
		return nil, ErrNoBurst
	}
	return b, nil
}

// FreeRxBurst returns a received burst's descriptor to the pool. The
// packet buffer slots it described become reusable by the hardware
// independently; only the descriptor is recycled here.
func (m *Manager) FreeRxBurst(b *burst.Burst) {
	m.rxPool.Release(b)
}

// GetTxMetadataBuffer acquires a transmit descriptor. Exhaustion is
// back-pressure: the caller should drop and retry later.
func (m *Manager) GetTxMetadataBuffer() (*burst.Burst, error) {
	return m.txPool.Acquire()
}

// FreeTxBurst returns a transmit descriptor without sending it.
func (m *Manager) FreeTxBurst(b *burst.Burst) {
	m.txPool.Release(b)
}

// GetTxPacketBurst reserves NumPkts contiguous packet-buffer slots on
// the burst's queue and fills in the burst's buffer geometry.
// Concurrent callers receive disjoint slot ranges.
func (m *Manager) GetTxPacketBurst(b *burst.Burst) error {
	q, ok := m.txQueues[NewQueueKey(b.Port, b.Queue)]
	if !ok {
		return fmt.Errorf("tx packet burst port %d queue %d: %w", b.Port, b.Queue, ErrInvalidQueue)
	}
	idx := q.ReserveSlots(b.NumPkts)
	b.Pkt0Idx = idx
	b.Pkt0Addr = q.PacketAddr(idx)
	b.BaseAddr = q.Res.Buffer.Addr
	b.MaxPkts = q.MaxPkts
	b.MaxPktSize = q.MaxPktSize
	return nil
}

// SendTxBurst hands a filled burst to the transmit worker. Ownership
// of the descriptor transfers on success; on ErrNoSpace the engine has
// already returned it to the pool, so the caller must not touch it
// again either way.
func (m *Manager) SendTxBurst(b *burst.Burst) error {
	r, ok := m.txRings[NewQueueKey(b.Port, b.Queue)]
	if !ok {
		return fmt.Errorf("send burst port %d queue %d: %w", b.Port, b.Queue, ErrInvalidQueue)
	}
	if !r.Enqueue(b) {
		if m.events != nil {
			m.events.Add(logging.EventRecord{
				Type: logging.EventTxNoSpace, Port: b.Port, Queue: b.Queue,
				Packets: uint64(b.NumPkts),
			})
		}
		m.txPool.Release(b)
		return ErrNoSpace
	}
	return nil
}

// IsTxBurstAvailable reports whether the queue can accept another
// burst without risking completion-ring overrun. It drives the
// accelerator's completion processing as a side effect, so polling it
// is how a sender ever becomes unblocked.
func (m *Manager) IsTxBurstAvailable(b *burst.Burst) bool {
	q, ok := m.txQueues[NewQueueKey(b.Port, b.Queue)]
	if !ok {
		return true
	}
	q.Progress()
	return q.CmpPosted.Load() <= hwq.TxCompletionThreshold
}

// NewTxBurst hands out one of the preallocated transmit headers,
// round-robin. The header is scratch space for building send metadata;
// it is never recycled through the descriptor pool, so releasing it
// after submission is a no-op.
func (m *Manager) NewTxBurst() *burst.Burst {
	idx := m.txBurstIdx.Add(1) - 1
	return &m.txBursts[idx%uint64(len(m.txBursts))]
}

// MACAddr returns the hardware address of a configured port.
func (m *Manager) MACAddr(port uint16) (net.HardwareAddr, error) {
	mac, ok := m.macs[port]
	if !ok {
		return nil, fmt.Errorf("mac address port %d: %w", port, ErrInvalidPort)
	}
	return mac, nil
}

// PacketPtr returns the accelerator address of packet idx in a burst.
func (m *Manager) PacketPtr(b *burst.Burst, idx int) uintptr {
	return b.PacketPtr(idx)
}

// SetPacketLength records the transmit length of packet idx.
func (m *Manager) SetPacketLength(b *burst.Burst, idx int, length uint32) error {
	return b.SetPacketLength(idx, length)
}

// Stats exposes the shared datapath counters.
func (m *Manager) Stats() *worker.Stats { return &m.stats }

// Events exposes the retained event buffer, nil if none was attached.
func (m *Manager) Events() *logging.EventBuffer { return m.events }

// QueueInfo is a point-in-time snapshot of one queue for the status
// API.
type QueueInfo struct {
	Port      uint16 `json:"port"`
	Queue     uint16 `json:"queue"`
	Direction string `json:"direction"`
	RingLen   int    `json:"ring_len"`
	RingCap   int    `json:"ring_cap"`
}

// Queues snapshots every configured queue, receive first, ordered by
// port then queue id.
func (m *Manager) Queues() []QueueInfo {
	out := make([]QueueInfo, 0, len(m.rxRings)+len(m.txRings))
	for key, r := range m.rxRings {
		out = append(out, QueueInfo{
			Port: key.Port(), Queue: key.Queue(), Direction: "rx",
			RingLen: r.Len(), RingCap: r.Cap(),
		})
	}
	for key, r := range m.txRings {
		out = append(out, QueueInfo{
			Port: key.Port(), Queue: key.Queue(), Direction: "tx",
			RingLen: r.Len(), RingCap: r.Cap(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction == "rx"
		}
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Queue < out[j].Queue
	})
	return out
}

// WorkerInfo is a point-in-time snapshot of one worker.
type WorkerInfo struct {
	Direction string `json:"direction"`
	Core      int    `json:"core"`
	Accel     int    `json:"accelerator"`
	State     string `json:"state"`
}

// Workers snapshots every running worker's lifecycle state.
func (m *Manager) Workers() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(m.rxWorkers)+len(m.txWorkers))
	for _, w := range m.rxWorkers {
		out = append(out, WorkerInfo{Direction: "rx", Core: w.Core, Accel: w.GPU.Ordinal(), State: w.State().String()})
	}
	for _, w := range m.txWorkers {
		out = append(out, WorkerInfo{Direction: "tx", Core: w.Core, Accel: w.GPU.Ordinal(), State: w.State().String()})
	}
	return out
}
