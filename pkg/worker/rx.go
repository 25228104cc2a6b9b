package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/affinity"
	"github.com/psaab/gpuflow/pkg/burst"
	"github.com/psaab/gpuflow/pkg/hwq"
	"github.com/psaab/gpuflow/pkg/logging"
	"github.com/psaab/gpuflow/pkg/ring"
)

// syncTimeout bounds the wait for a persistent task to observe its exit
// flag during warmup teardown and drain.
const syncTimeout = 5 * time.Second

// RxQueueBinding ties one hardware receive queue to its software ring.
type RxQueueBinding struct {
	Port      uint16
	Queue     uint16
	BatchSize uint32
	HW        *hwq.RxQueue
	Ring      *ring.Ring[*burst.Burst]
}

// RxWorker polls the semaphore rings of its queues and forwards
// completed batches to the per-queue software rings.
type RxWorker struct {
	Core   int
	GPU    accel.Device
	Queues []RxQueueBinding
	Pool   *burst.Pool
	Stats  *Stats
	Quit   *atomic.Bool
	Events *logging.EventBuffer

	state atomic.Int32
}

// State returns the worker's current lifecycle state.
func (w *RxWorker) State() State { return State(w.state.Load()) }

func (w *RxWorker) setState(s State) { w.state.Store(int32(s)) }

func (w *RxWorker) event(rec logging.EventRecord) {
	if w.Events != nil {
		w.Events.Add(rec)
	}
}

// Run executes the worker until the global stop flag is raised. It is
// meant to be called on its own goroutine; the goroutine's thread is
// pinned and never unpinned.
func (w *RxWorker) Run() {
	defer w.setState(StateStopped)

	// INIT: pin and build the task's queue table.
	if err := affinity.Pin(w.Core); err != nil {
		slog.Error("rx worker failed to pin core", "core", w.Core, "err", err)
		w.Quit.Store(true)
		return
	}
	slog.Info("starting rx worker", "core", w.Core, "gpu", w.GPU.Ordinal(), "queues", len(w.Queues))

	taskQueues := make([]accel.ReceiveQueue, len(w.Queues))
	cursors := make([]int, len(w.Queues))
	for i, q := range w.Queues {
		taskQueues[i] = accel.ReceiveQueue{
			Desc:      q.HW.Res.Desc,
			Sem:       q.HW.Sem,
			BatchSize: q.BatchSize,
		}
	}

	// WARMUP: run the task once in non-functional mode so the real
	// launch pays no first-launch cost. Bounded by a local exit flag,
	// never the global one.
	w.setState(StateWarmup)
	warmExit := &accel.ExitFlag{}
	warmTask, err := w.GPU.LaunchReceiveTask(accel.ReceiveTaskConfig{
		Queues: taskQueues,
		Exit:   warmExit,
	})
	if err != nil {
		slog.Error("rx warmup launch failed", "core", w.Core, "err", err)
		w.Quit.Store(true)
		return
	}
	warmExit.Set()
	if err := synchronize(warmTask); err != nil {
		slog.Error("rx warmup synchronize failed", "core", w.Core, "err", err)
		w.Quit.Store(true)
		return
	}

	// RUNNING: launch for real and poll.
	exit := &accel.ExitFlag{}
	task, err := w.GPU.LaunchReceiveTask(accel.ReceiveTaskConfig{
		Queues:   taskQueues,
		Exit:     exit,
		Activate: true,
	})
	if err != nil {
		slog.Error("rx task launch failed", "core", w.Core, "err", err)
		w.Quit.Store(true)
		return
	}
	w.setState(StateRunning)
	slog.Info("rx receive task ready", "core", w.Core)

	var loops uint64
	for !w.Quit.Load() {
		loops++
		for i := range w.Queues {
			w.pollQueue(i, cursors, loops)
		}
	}

	// DRAINING: stop the task, then sweep undrained slots for stats.
	w.setState(StateDraining)
	exit.Set()
	if err := synchronize(task); err != nil {
		slog.Error("rx task synchronize failed during drain", "core", w.Core, "err", err)
	}

	var lastPartial uint64
	for i, q := range w.Queues {
		st, err := q.HW.Sem.Status(cursors[i])
		if err != nil || st != accel.SemReady {
			continue
		}
		info, err := q.HW.Sem.Info(cursors[i])
		if err != nil {
			continue
		}
		lastPartial += uint64(info.NumPkts)
		w.Stats.RxPkts.Add(uint64(info.NumPkts))
		w.Stats.RxBytes.Add(uint64(info.NumBytes))
		w.Stats.RxBursts.Add(1)
	}
	w.Stats.RxLastPartial.Add(lastPartial)
	slog.Info("rx worker stopped", "core", w.Core, "last_partial_pkts", lastPartial)
}

// pollQueue inspects one queue's current semaphore slot and forwards
// the batch if it is ready. One queue's back-pressure never affects
// another's.
func (w *RxWorker) pollQueue(i int, cursors []int, loops uint64) {
	q := &w.Queues[i]
	cur := cursors[i]

	st, err := q.HW.Sem.Status(cur)
	if err != nil {
		slog.Error("semaphore status read failed", "port", q.Port, "queue", q.Queue, "err", err)
		w.event(logging.EventRecord{Type: logging.EventSemError, Port: q.Port, Queue: q.Queue, Detail: err.Error()})
		w.Quit.Store(true)
		return
	}
	if st != accel.SemReady {
		if loops%pollLogInterval == 0 {
			slog.Debug("rx poll", "queue", q.Queue, "slot", cur, "status", st.String())
		}
		return
	}

	info, err := q.HW.Sem.Info(cur)
	if err != nil {
		slog.Error("semaphore info read failed", "port", q.Port, "queue", q.Queue, "err", err)
		w.event(logging.EventRecord{Type: logging.EventSemError, Port: q.Port, Queue: q.Queue, Detail: err.Error()})
		w.Quit.Store(true)
		return
	}

	b, err := w.Pool.Acquire()
	if err != nil {
		// The application is falling behind; continuing would drop data
		// unboundedly. Treat as fatal back-pressure.
		slog.Error("no free rx burst descriptors, processing falling behind", "port", q.Port, "queue", q.Queue)
		w.event(logging.EventRecord{Type: logging.EventPoolEmpty, Port: q.Port, Queue: q.Queue})
		w.Quit.Store(true)
		return
	}

	b.Port = q.Port
	b.Queue = q.Queue
	b.NumPkts = info.NumPkts
	b.NumBytes = uint64(info.NumBytes)
	b.Pkt0Idx = info.Pkt0Idx
	b.Pkt0Addr = info.Pkt0Addr
	b.BaseAddr = q.HW.Res.Buffer.Addr
	b.MaxPkts = q.HW.MaxPkts
	b.MaxPktSize = q.HW.MaxPktSize

	if !q.Ring.Enqueue(b) {
		slog.Warn("rx ring full, dropping burst", "port", q.Port, "queue", q.Queue, "pkts", info.NumPkts)
		w.event(logging.EventRecord{
			Type: logging.EventRxDrop, Port: q.Port, Queue: q.Queue,
			Packets: uint64(info.NumPkts), Bytes: uint64(info.NumBytes),
		})
		w.Stats.RxDrops.Add(uint64(info.NumPkts))
		w.Pool.Release(b)
	}

	w.Stats.RxPkts.Add(uint64(info.NumPkts))
	w.Stats.RxBytes.Add(uint64(info.NumBytes))
	w.Stats.RxBursts.Add(1)

	if err := q.HW.Sem.SetStatus(cur, accel.SemFree); err != nil {
		slog.Error("semaphore status reset failed", "port", q.Port, "queue", q.Queue, "err", err)
		w.event(logging.EventRecord{Type: logging.EventSemError, Port: q.Port, Queue: q.Queue, Detail: err.Error()})
		w.Quit.Store(true)
		return
	}
	cursors[i] = (cur + 1) % q.HW.Sem.Size()
}

func synchronize(t accel.Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	return t.Synchronize(ctx)
}
