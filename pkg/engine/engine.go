// Package engine wires the whole datapath together: it owns the burst
// descriptor pools, the per-queue software rings, the hardware queue
// backends and the workers that bridge them. Applications exchange
// bursts with the engine through the Manager; everything below it is
// driven by the worker goroutines.
package engine

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/affinity"
	"github.com/psaab/gpuflow/pkg/burst"
	"github.com/psaab/gpuflow/pkg/config"
	"github.com/psaab/gpuflow/pkg/flow"
	"github.com/psaab/gpuflow/pkg/hwq"
	"github.com/psaab/gpuflow/pkg/logging"
	"github.com/psaab/gpuflow/pkg/nic"
	"github.com/psaab/gpuflow/pkg/ring"
	"github.com/psaab/gpuflow/pkg/worker"
)

// Backends bundles the two hardware collaborator factories the engine
// is built on. A backend implementation typically provides both.
type Backends struct {
	NIC   nic.Opener
	Accel accel.Provider
}

// Manager is the engine's top-level object. All lookup tables are
// keyed by QueueKey and become read-only once initialization finishes,
// so the application-facing methods take no locks on the fast path.
type Manager struct {
	backends Backends
	events   *logging.EventBuffer

	mu          sync.Mutex
	initialized bool
	cfg         *config.Config

	devices map[uint16]nic.Device
	macs    map[uint16]net.HardwareAddr
	gpus    map[int]accel.Device

	rxQueues map[QueueKey]*hwq.RxQueue
	txQueues map[QueueKey]*hwq.TxQueue
	rxRings  map[QueueKey]*ring.Ring[*burst.Burst]
	txRings  map[QueueKey]*ring.Ring[*burst.Burst]

	rxPool *burst.Pool
	txPool *burst.Pool

	// Preallocated transmit headers handed out round-robin by
	// NewTxBurst; never pooled, only a scratch template for callers.
	txBursts   []burst.Burst
	txBurstIdx atomic.Uint64

	coordinators map[uint16]*flow.Coordinator

	stats worker.Stats
	quit  atomic.Bool
	wg    sync.WaitGroup

	rxWorkers []*worker.RxWorker
	txWorkers []*worker.TxWorker

	shutdownOnce sync.Once
}

// New creates an uninitialized manager on the given backends. The
// event buffer may be nil.
func New(b Backends, events *logging.EventBuffer) *Manager {
	return &Manager{
		backends:     b,
		events:       events,
		devices:      make(map[uint16]nic.Device),
		macs:         make(map[uint16]net.HardwareAddr),
		gpus:         make(map[int]accel.Device),
		rxQueues:     make(map[QueueKey]*hwq.RxQueue),
		txQueues:     make(map[QueueKey]*hwq.TxQueue),
		rxRings:      make(map[QueueKey]*ring.Ring[*burst.Burst]),
		txRings:      make(map[QueueKey]*ring.Ring[*burst.Burst]),
		coordinators: make(map[uint16]*flow.Coordinator),
	}
}

// SetConfigAndInitialize validates the config, builds all datapath
// state and starts the workers. A second call on an initialized
// manager is a no-op.
//
// Initialization runs on its own locked OS thread so that accelerator
// context setup and the master-core pin never leak onto the caller's
// thread.
func (m *Manager) SetConfigAndInitialize(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		slog.Warn("engine already initialized, ignoring reconfiguration")
		return nil
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	m.cfg = cfg

	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.Pin(cfg.MasterCore); err != nil {
			slog.Warn("failed to pin master core", "core", cfg.MasterCore, "err", err)
		}
		errCh <- m.initialize()
	}()
	if err := <-errCh; err != nil {
		return err
	}
	m.initialized = true
	m.run()
	return nil
}

// Initialized reports whether the datapath is up.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// validateConfig enforces the engine's structural constraints beyond
// what config parsing checks: a queue maps to exactly one memory
// region, and all queues of one direction on one interface share an
// accelerator.
func validateConfig(cfg *config.Config) error {
	for _, intf := range cfg.Interfaces {
		for _, side := range []struct {
			dir    string
			queues []config.Queue
		}{
			{"rx", intf.RX.Queues},
			{"tx", intf.TX.Queues},
		} {
			gpuID := -1
			for _, q := range side.queues {
				if len(q.Regions) != 1 {
					return fmt.Errorf("interface %q %s queue %d: exactly one memory region required, got %d",
						intf.Name, side.dir, q.ID, len(q.Regions))
				}
				mr, ok := cfg.Region(q.Regions[0])
				if !ok {
					return fmt.Errorf("interface %q %s queue %d: unknown memory region %q",
						intf.Name, side.dir, q.ID, q.Regions[0])
				}
				if gpuID == -1 {
					gpuID = mr.Affinity
				} else if gpuID != mr.Affinity {
					return fmt.Errorf("interface %q: %s queues span accelerators %d and %d, single accelerator required per direction",
						intf.Name, side.dir, gpuID, mr.Affinity)
				}
			}
		}
	}
	return nil
}

func memType(k config.MemoryKind) accel.MemType {
	if k == config.MemoryKindHostPinned {
		return accel.MemHostPinned
	}
	return accel.MemDevice
}

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

// gpuFor returns (creating on first use) the device at ordinal.
func (m *Manager) gpuFor(ordinal int) (accel.Device, error) {
	if g, ok := m.gpus[ordinal]; ok {
		return g, nil
	}
	g, err := m.backends.Accel.Device(ordinal)
	if err != nil {
		return nil, fmt.Errorf("accelerator %d: %w", ordinal, err)
	}
	m.gpus[ordinal] = g
	return g, nil
}

// initialize builds the full datapath from the validated config:
// NIC devices, accelerator resources, descriptor pools, software
// rings, flow steering and semaphore rings, in that order.
func (m *Manager) initialize() error {
	cfg := m.cfg

	// Transmit geometry is global: the Lens arrays of every tx
	// descriptor are sized to the largest configured batch, and every
	// tx queue caps packets at the largest configured buffer size
	// rounded up to a power of two.
	maxTxBatch := config.DefaultBatchSize
	maxTxPktSize := 0
	for _, intf := range cfg.Interfaces {
		for _, q := range intf.TX.Queues {
			if q.BatchSize > maxTxBatch {
				maxTxBatch = q.BatchSize
			}
			if mr, ok := cfg.Region(q.Regions[0]); ok && mr.BufSize > maxTxPktSize {
				maxTxPktSize = mr.BufSize
			}
		}
	}
	if maxTxPktSize > 0 {
		maxTxPktSize = nextPow2(maxTxPktSize)
	}

	rxPoolSize := cfg.RxPoolSize
	if rxPoolSize <= 0 {
		rxPoolSize = burst.DefaultRxPoolSize
	}
	txPoolSize := cfg.TxPoolSize
	if txPoolSize <= 0 {
		txPoolSize = burst.DefaultTxPoolSize
	}
	m.rxPool = burst.NewPool(rxPoolSize, nil)
	m.txPool = burst.NewPool(txPoolSize, func(i int, b *burst.Burst) {
		b.Lens = make([]uint32, maxTxBatch)
	})

	m.txBursts = make([]burst.Burst, txPoolSize)
	for i := range m.txBursts {
		m.txBursts[i].Lens = make([]uint32, maxTxBatch)
	}

	for i, intf := range cfg.Interfaces {
		port := uint16(i)
		dev, err := m.backends.NIC.Open(intf.Address)
		if err != nil {
			return fmt.Errorf("open interface %q (%s): %w", intf.Name, intf.Address, err)
		}
		m.devices[port] = dev
		m.macs[port] = dev.MACAddr()
		slog.Info("interface opened", "name", intf.Name, "pci", intf.Address, "port", port, "mac", dev.MACAddr().String())

		var fp nic.FlowPort
		if len(intf.RX.Queues) > 0 {
			fp, err = dev.StartFlowPort(port, len(intf.RX.Queues))
			if err != nil {
				return fmt.Errorf("start flow port %d: %w", port, err)
			}
		}

		rxByID := make(map[uint16]*hwq.RxQueue, len(intf.RX.Queues))
		for _, qc := range intf.RX.Queues {
			mr, _ := cfg.Region(qc.Regions[0])
			gpu, err := m.gpuFor(mr.Affinity)
			if err != nil {
				return err
			}
			q, err := hwq.NewRxQueue(gpu, fp, port, qc.ID, mr.NumBufs, mr.BufSize, memType(mr.Kind))
			if err != nil {
				return err
			}
			key := NewQueueKey(port, qc.ID)
			m.rxQueues[key] = q
			m.rxRings[key] = ring.New[*burst.Burst](cfg.RingSize)
			rxByID[qc.ID] = q
		}

		for _, qc := range intf.TX.Queues {
			mr, _ := cfg.Region(qc.Regions[0])
			gpu, err := m.gpuFor(mr.Affinity)
			if err != nil {
				return err
			}
			q, err := hwq.NewTxQueue(gpu, port, qc.ID, mr.NumBufs, maxTxPktSize, memType(mr.Kind))
			if err != nil {
				return err
			}
			key := NewQueueKey(port, qc.ID)
			m.txQueues[key] = q
			m.txRings[key] = ring.New[*burst.Burst](cfg.RingSize)
		}

		if len(intf.RX.Queues) > 0 {
			c := flow.New(port, fp)
			if err := c.Program(rxByID, intf.RX.Flows, flow.DefaultFlushTimeout); err != nil {
				return fmt.Errorf("flow steering port %d: %w", port, err)
			}
			m.coordinators[port] = c
		}

		// Semaphore rings come last: the receive task must never find
		// one on a queue whose steering is not yet active.
		for _, q := range rxByID {
			if err := q.CreateSemaphoreRing(); err != nil {
				return err
			}
		}
	}

	slog.Info("engine initialized",
		"interfaces", len(cfg.Interfaces),
		"rx_queues", len(m.rxQueues),
		"tx_queues", len(m.txQueues),
		"max_tx_batch", maxTxBatch,
		"max_tx_pkt_size", maxTxPktSize)
	return nil
}

// run starts one worker per accelerator per direction, each pinned to
// the core of its first queue.
func (m *Manager) run() {
	cfg := m.cfg

	type rxGroup struct {
		core     int
		gpu      accel.Device
		bindings []worker.RxQueueBinding
	}
	type txGroup struct {
		core     int
		gpu      accel.Device
		bindings []worker.TxQueueBinding
	}
	rxGroups := make(map[int]*rxGroup)
	txGroups := make(map[int]*txGroup)

	for i, intf := range cfg.Interfaces {
		port := uint16(i)
		for _, qc := range intf.RX.Queues {
			mr, _ := cfg.Region(qc.Regions[0])
			key := NewQueueKey(port, qc.ID)
			g, ok := rxGroups[mr.Affinity]
			if !ok {
				g = &rxGroup{core: qc.CPUCore, gpu: m.gpus[mr.Affinity]}
				rxGroups[mr.Affinity] = g
			}
			g.bindings = append(g.bindings, worker.RxQueueBinding{
				Port:      port,
				Queue:     qc.ID,
				BatchSize: uint32(qc.BatchSize),
				HW:        m.rxQueues[key],
				Ring:      m.rxRings[key],
			})
		}
		for _, qc := range intf.TX.Queues {
			mr, _ := cfg.Region(qc.Regions[0])
			key := NewQueueKey(port, qc.ID)
			g, ok := txGroups[mr.Affinity]
			if !ok {
				g = &txGroup{core: qc.CPUCore, gpu: m.gpus[mr.Affinity]}
				txGroups[mr.Affinity] = g
			}
			g.bindings = append(g.bindings, worker.TxQueueBinding{
				Port:      port,
				Queue:     qc.ID,
				BatchSize: uint32(qc.BatchSize),
				HW:        m.txQueues[key],
				Ring:      m.txRings[key],
			})
		}
	}

	for _, g := range rxGroups {
		w := &worker.RxWorker{
			Core:   g.core,
			GPU:    g.gpu,
			Queues: g.bindings,
			Pool:   m.rxPool,
			Stats:  &m.stats,
			Quit:   &m.quit,
			Events: m.events,
		}
		m.rxWorkers = append(m.rxWorkers, w)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run()
		}()
	}
	for _, g := range txGroups {
		w := &worker.TxWorker{
			Core:   g.core,
			GPU:    g.gpu,
			Queues: g.bindings,
			Pool:   m.txPool,
			Stats:  &m.stats,
			Quit:   &m.quit,
			Events: m.events,
		}
		m.txWorkers = append(m.txWorkers, w)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run()
		}()
	}
}

// Shutdown stops the datapath: it prints cumulative statistics once,
// raises the global stop flag and waits for every worker to finish
// draining. Safe to call multiple times and before initialization.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		slog.Info("engine shutting down")
		m.printStats()
		m.quit.Store(true)
		m.wg.Wait()
		slog.Info("engine stopped")
	})
}

func (m *Manager) printStats() {
	slog.Info("cumulative rx statistics",
		"pkts", m.stats.RxPkts.Load(),
		"bytes", m.stats.RxBytes.Load(),
		"bursts", m.stats.RxBursts.Load(),
		"ring_drops", m.stats.RxDrops.Load(),
		"last_partial_pkts", m.stats.RxLastPartial.Load())
	slog.Info("cumulative tx statistics",
		"pkts", m.stats.TxPkts.Load(),
		"bursts", m.stats.TxBursts.Load(),
		"drops", m.stats.TxDrops.Load())
}
