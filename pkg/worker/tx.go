package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/affinity"
	"github.com/psaab/gpuflow/pkg/burst"
	"github.com/psaab/gpuflow/pkg/hwq"
	"github.com/psaab/gpuflow/pkg/logging"
	"github.com/psaab/gpuflow/pkg/ring"
)

// TxQueueBinding ties one hardware transmit queue to its software ring.
type TxQueueBinding struct {
	Port      uint16
	Queue     uint16
	BatchSize uint32
	HW        *hwq.TxQueue
	Ring      *ring.Ring[*burst.Burst]
}

// TxWorker drains the per-queue transmit rings and submits bursts to
// the accelerator send tasks. Submission is fire-and-forget; hardware
// completion is observed through each queue's CmpPosted counter.
type TxWorker struct {
	Core   int
	GPU    accel.Device
	Queues []TxQueueBinding
	Pool   *burst.Pool
	Stats  *Stats
	Quit   *atomic.Bool
	Events *logging.EventBuffer

	state atomic.Int32
}

// State returns the worker's current lifecycle state.
func (w *TxWorker) State() State { return State(w.state.Load()) }

func (w *TxWorker) setState(s State) { w.state.Store(int32(s)) }

// Run executes the worker until the global stop flag is raised.
func (w *TxWorker) Run() {
	defer w.setState(StateStopped)

	if err := affinity.Pin(w.Core); err != nil {
		slog.Error("tx worker failed to pin core", "core", w.Core, "err", err)
		w.Quit.Store(true)
		return
	}
	slog.Info("starting tx worker", "core", w.Core, "gpu", w.GPU.Ordinal(), "queues", len(w.Queues))

	// WARMUP: exercise the send path once per queue.
	w.setState(StateWarmup)
	for i := range w.Queues {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		err := w.GPU.WarmupSend(ctx, w.Queues[i].HW.Res.Queue)
		cancel()
		if err != nil {
			slog.Error("tx warmup failed", "core", w.Core, "queue", w.Queues[i].Queue, "err", err)
			w.Quit.Store(true)
			return
		}
	}

	w.setState(StateRunning)

	// Per-queue running packet counters; once a quarter of the hardware
	// descriptor ring is in flight the next launch requests a
	// completion event.
	cntPkts := make([]uint64, len(w.Queues))
	for !w.Quit.Load() {
		for i := range w.Queues {
			w.pollQueue(i, cntPkts)
		}
	}

	w.setState(StateDraining)
	slog.Info("tx worker stopped", "core", w.Core)
}

func (w *TxWorker) pollQueue(i int, cntPkts []uint64) {
	q := &w.Queues[i]

	// Guardrail: too many unacknowledged completions means the
	// hardware completion ring is at risk of overrun. Skip the queue
	// this iteration; back-pressure, not an error.
	if q.HW.CmpPosted.Load() > hwq.TxCompletionThreshold {
		slog.Debug("tx queue completion backlog", "queue", q.Queue, "posted", q.HW.CmpPosted.Load())
		return
	}

	b, ok := q.Ring.Dequeue()
	if !ok {
		return
	}

	if b.Queue != q.Queue {
		// Defensive: descriptors are routed by queue id at enqueue
		// time, so this indicates application misuse, not corruption.
		slog.Error("tx burst queue id mismatch", "burst_queue", b.Queue, "worker_queue", q.Queue)
		if w.Events != nil {
			w.Events.Add(logging.EventRecord{Type: logging.EventTxQueueID, Port: q.Port, Queue: q.Queue})
		}
	}

	cntPkts[i] += uint64(b.NumPkts)
	requestCompletion := false
	if cntPkts[i] > hwq.MaxSQDescriptors/4 {
		requestCompletion = true
	}

	err := w.GPU.LaunchSend(accel.SendArgs{
		Queue:             q.HW.Res.Queue,
		Pkt0Idx:           b.Pkt0Idx,
		NumPkts:           b.NumPkts,
		MaxPkts:           b.MaxPkts,
		Lens:              b.Lens,
		RequestCompletion: requestCompletion,
	})

	numPkts := uint64(b.NumPkts)
	// Submission is fire-and-forget; the descriptor goes straight back
	// to its pool.
	w.Pool.Release(b)

	if err != nil {
		slog.Error("tx send submission failed", "port", q.Port, "queue", q.Queue, "err", err)
		w.Stats.TxDrops.Add(numPkts)
		w.Quit.Store(true)
		return
	}

	w.Stats.TxPkts.Add(numPkts)
	w.Stats.TxBursts.Add(1)

	if requestCompletion {
		q.HW.CmpPosted.Add(1)
		slog.Debug("tx completion requested", "queue", q.Queue, "pkts", cntPkts[i], "posted", q.HW.CmpPosted.Load())
		cntPkts[i] = 0
	}
}
