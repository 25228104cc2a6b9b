package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/gpuflow/pkg/accel"
)

// flushDelay is how long the simulated receive task waits for a batch
// to fill before posting a partial completion, standing in for the
// hardware kernel's accumulation timeout.
const flushDelay = 200 * time.Microsecond

// simAddrBase seeds the synthetic accelerator address space. Addresses
// are stable handles for pointer arithmetic, never dereferenced.
const simAddrBase uintptr = 0x10000000

func qkey(port, queue uint16) uint32 { return uint32(port)<<16 | uint32(queue) }

// gpuDevice is one simulated accelerator.
type gpuDevice struct {
	b       *Backend
	ordinal int

	mu       sync.Mutex
	nextAddr uintptr
	rxs      map[uint32]*rxQueueState
	txs      map[uint32]*txQueueState
}

func (g *gpuDevice) Ordinal() int { return g.ordinal }
func (g *gpuDevice) Close() error { return nil }

func (g *gpuDevice) allocAddrLocked(n int) uintptr {
	if g.nextAddr == 0 {
		g.nextAddr = simAddrBase + uintptr(g.ordinal)<<32
	}
	addr := g.nextAddr
	g.nextAddr += uintptr(n)
	return addr
}

// rxQueueState is the accelerator side of one receive queue: its packet
// buffer plus the injected packets waiting to be batched.
type rxQueueState struct {
	port, id         uint16
	numBufs, bufSize int
	base             uintptr
	buf              []byte

	mu          sync.Mutex
	pending     []Packet
	lastArrival time.Time
	wrIdx       uint32
}

func (st *rxQueueState) deliver(p Packet) {
	st.mu.Lock()
	st.pending = append(st.pending, p)
	st.lastArrival = time.Now()
	st.mu.Unlock()
}

// takeBatch removes up to batchSize packets: a full batch immediately,
// a partial one only once the flush delay elapsed since last arrival.
func (st *rxQueueState) takeBatch(batchSize int) []Packet {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.pending)
	if n == 0 {
		return nil
	}
	if n < batchSize && time.Since(st.lastArrival) < flushDelay {
		return nil
	}
	if n > batchSize {
		n = batchSize
	}
	batch := st.pending[:n:n]
	st.pending = append([]Packet(nil), st.pending[n:]...)
	return batch
}

// write places a batch into consecutive buffer slots and returns its
// completion record.
func (st *rxQueueState) write(batch []Packet) accel.CompletionInfo {
	st.mu.Lock()
	start := st.wrIdx
	st.wrIdx = (st.wrIdx + uint32(len(batch))) % uint32(st.numBufs)
	st.mu.Unlock()

	var nbytes uint32
	for i, p := range batch {
		nbytes += uint32(p.size())
		if p.Payload != nil {
			slot := (start + uint32(i)) % uint32(st.numBufs)
			off := int(slot) * st.bufSize
			copy(st.buf[off:off+st.bufSize], p.Payload)
		}
	}
	return accel.CompletionInfo{
		NumPkts:  uint32(len(batch)),
		NumBytes: nbytes,
		Pkt0Idx:  start,
		Pkt0Addr: st.base + uintptr(start)*uintptr(st.bufSize),
	}
}

func (g *gpuDevice) CreateRxResources(port, queue uint16, numBufs, bufSize int, kind accel.MemType) (*accel.RxResources, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rxs == nil {
		g.rxs = make(map[uint32]*rxQueueState)
	}
	if _, ok := g.rxs[qkey(port, queue)]; ok {
		return nil, fmt.Errorf("sim: rx resources already exist for port %d queue %d", port, queue)
	}
	st := &rxQueueState{
		port:    port,
		id:      queue,
		numBufs: numBufs,
		bufSize: bufSize,
		base:    g.allocAddrLocked(numBufs * bufSize),
		buf:     make([]byte, numBufs*bufSize),
	}
	g.rxs[qkey(port, queue)] = st

	g.b.mu.Lock()
	fqid := g.b.nextFlowQID
	g.b.nextFlowQID++
	g.b.flowQueues[fqid] = st
	g.b.mu.Unlock()

	return &accel.RxResources{
		Desc:        st,
		Buffer:      &accel.Buffer{Addr: st.base, Len: len(st.buf), Host: st.buf},
		FlowQueueID: fqid,
	}, nil
}

// txQueueState is the accelerator side of one transmit queue.
type txQueueState struct {
	port, id         uint16
	numBufs, bufSize int
	base             uintptr
	buf              []byte

	completions *atomic.Uint32 // the backend-owned unacked counter
	pendingCmp  atomic.Uint32  // completions posted, not yet acknowledged
	sent        atomic.Uint64
	sentBytes   atomic.Uint64
}

func (g *gpuDevice) CreateTxResources(port, queue uint16, numBufs, bufSize int, kind accel.MemType, completions *atomic.Uint32) (*accel.TxResources, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.txs == nil {
		g.txs = make(map[uint32]*txQueueState)
	}
	if _, ok := g.txs[qkey(port, queue)]; ok {
		return nil, fmt.Errorf("sim: tx resources already exist for port %d queue %d", port, queue)
	}
	st := &txQueueState{
		port:        port,
		id:          queue,
		numBufs:     numBufs,
		bufSize:     bufSize,
		base:        g.allocAddrLocked(numBufs * bufSize),
		buf:         make([]byte, numBufs*bufSize),
		completions: completions,
	}
	g.txs[qkey(port, queue)] = st
	return &accel.TxResources{
		Queue:  st,
		Buffer: &accel.Buffer{Addr: st.base, Len: len(st.buf), Host: st.buf},
	}, nil
}

func (g *gpuDevice) txState(port, queue uint16) *txQueueState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.txs[qkey(port, queue)]
}

// rxTask is a running simulated persistent receive task.
type rxTask struct {
	cfg  accel.ReceiveTaskConfig
	done chan struct{}
}

func (g *gpuDevice) LaunchReceiveTask(cfg accel.ReceiveTaskConfig) (accel.Task, error) {
	if cfg.Exit == nil {
		return nil, fmt.Errorf("sim: receive task launched without exit flag")
	}
	t := &rxTask{cfg: cfg, done: make(chan struct{})}
	go t.run()
	return t, nil
}

func (t *rxTask) run() {
	defer close(t.done)
	if !t.cfg.Activate {
		// Warmup instance: spin on the local exit flag only.
		for !t.cfg.Exit.Raised() {
			time.Sleep(10 * time.Microsecond)
		}
		return
	}
	cursors := make([]int, len(t.cfg.Queues))
	for !t.cfg.Exit.Raised() {
		progress := false
		for i := range t.cfg.Queues {
			if t.service(i, cursors) {
				progress = true
			}
		}
		if !progress {
			time.Sleep(20 * time.Microsecond)
		}
	}
}

// service posts at most one completion for queue i. The task never
// overwrites an undrained slot: if the worker is behind, the batch
// stays pending.
func (t *rxTask) service(i int, cursors []int) bool {
	q := t.cfg.Queues[i]
	st, ok := q.Desc.(*rxQueueState)
	if !ok || q.Sem == nil {
		return false
	}
	status, err := q.Sem.Status(cursors[i])
	if err != nil || status != accel.SemFree {
		return false
	}
	batch := st.takeBatch(int(q.BatchSize))
	if len(batch) == 0 {
		return false
	}
	info := st.write(batch)
	if err := q.Sem.Post(cursors[i], info); err != nil {
		return false
	}
	cursors[i] = (cursors[i] + 1) % q.Sem.Size()
	return true
}

func (t *rxTask) Synchronize(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sim: receive task synchronize: %w", ctx.Err())
	}
}

func (g *gpuDevice) WarmupSend(ctx context.Context, q accel.TxQueueHandle) error {
	if _, ok := q.(*txQueueState); !ok {
		return fmt.Errorf("sim: warmup on foreign tx queue handle")
	}
	return nil
}

func (g *gpuDevice) LaunchSend(args accel.SendArgs) error {
	st, ok := args.Queue.(*txQueueState)
	if !ok {
		return fmt.Errorf("sim: send on foreign tx queue handle")
	}
	var nbytes uint64
	for i := 0; i < int(args.NumPkts) && i < len(args.Lens); i++ {
		nbytes += uint64(args.Lens[i])
	}
	st.sent.Add(uint64(args.NumPkts))
	st.sentBytes.Add(nbytes)
	if args.RequestCompletion {
		st.pendingCmp.Add(1)
	}
	return nil
}

// Progress acknowledges posted completions, decrementing the queue's
// unacked counter. On hardware this is the progress-engine callback.
func (g *gpuDevice) Progress(q accel.TxQueueHandle) {
	st, ok := q.(*txQueueState)
	if !ok {
		return
	}
	for st.pendingCmp.Load() > 0 && st.completions.Load() > 0 {
		p := st.pendingCmp.Load()
		if p == 0 {
			return
		}
		if !st.pendingCmp.CompareAndSwap(p, p-1) {
			continue
		}
		for {
			c := st.completions.Load()
			if c == 0 {
				break
			}
			if st.completions.CompareAndSwap(c, c-1) {
				break
			}
		}
	}
}
