// Package sim is an in-process implementation of the accelerator and
// NIC collaborator boundaries. It batches injected packets into
// semaphore completions exactly the way the hardware path does, which
// makes the full engine runnable and testable on machines with neither
// a NIC that supports steering offload nor an accelerator. The daemon
// selects it as the "sim" backend type.
package sim

import (
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/nic"
)

// Backend owns all simulated devices and the steering state shared
// between them.
type Backend struct {
	mu sync.Mutex

	// Strict rejects Open calls for PCI addresses not pre-registered
	// with AddNIC. The default is lenient: any address materializes a
	// device, which keeps config files runnable as-is.
	Strict bool

	// FlushErr, when set, is returned by every FlowPort.Flush call.
	// Test hook for flush-timeout behavior.
	FlushErr error

	nics  map[string]*nicDevice
	gpus  map[int]*gpuDevice
	ports map[uint16]*flowPort

	// rx queue state by hardware flow-queue ordinal, assigned in
	// creation order.
	flowQueues  map[uint16]*rxQueueState
	nextFlowQID uint16

	missDrops uint64
}

// NewBackend creates an empty simulation backend.
func NewBackend() *Backend {
	return &Backend{
		nics:       make(map[string]*nicDevice),
		gpus:       make(map[int]*gpuDevice),
		ports:      make(map[uint16]*flowPort),
		flowQueues: make(map[uint16]*rxQueueState),
	}
}

// AddNIC pre-registers a simulated NIC at the given PCI address.
func (b *Backend) AddNIC(pciAddr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addNICLocked(pciAddr)
}

func (b *Backend) addNICLocked(pciAddr string) *nicDevice {
	if d, ok := b.nics[pciAddr]; ok {
		return d
	}
	d := &nicDevice{b: b, pci: pciAddr, mac: macFor(pciAddr)}
	b.nics[pciAddr] = d
	return d
}

// macFor derives a stable locally-administered MAC from a PCI address.
func macFor(pciAddr string) net.HardwareAddr {
	sum := sha256.Sum256([]byte(pciAddr))
	return net.HardwareAddr{0x02, sum[0], sum[1], sum[2], sum[3], sum[4]}
}

// Open implements nic.Opener.
func (b *Backend) Open(pciAddr string) (nic.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.nics[pciAddr]; ok {
		return d, nil
	}
	if b.Strict {
		return nil, fmt.Errorf("open %s: %w", pciAddr, nic.ErrNotFound)
	}
	return b.addNICLocked(pciAddr), nil
}

// Device implements accel.Provider.
func (b *Backend) Device(ordinal int) (accel.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.gpus[ordinal]; ok {
		return g, nil
	}
	g := &gpuDevice{b: b, ordinal: ordinal}
	b.gpus[ordinal] = g
	return g, nil
}

// nicDevice is one simulated NIC port.
type nicDevice struct {
	b   *Backend
	pci string
	mac net.HardwareAddr
}

func (d *nicDevice) PCIAddr() string           { return d.pci }
func (d *nicDevice) MACAddr() net.HardwareAddr { return d.mac }
func (d *nicDevice) Close() error              { return nil }

func (d *nicDevice) StartFlowPort(port uint16, numRxQueues int) (nic.FlowPort, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if fp, ok := d.b.ports[port]; ok {
		return fp, nil
	}
	fp := &flowPort{b: d.b, port: port}
	d.b.ports[port] = fp
	return fp, nil
}

// Packet is one injected packet.
type Packet struct {
	Family  nic.Family
	Proto   nic.Proto
	Size    int
	Payload []byte // optional; copied into the queue buffer when set
}

func (p Packet) size() int {
	if p.Payload != nil {
		return len(p.Payload)
	}
	return p.Size
}

// Inject delivers packets to a port, steering each through the port's
// root pipe exactly as installed rules dictate. Packets matching no
// rule are dropped.
func (b *Backend) Inject(port uint16, pkts ...Packet) error {
	b.mu.Lock()
	fp, ok := b.ports[port]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("sim: port %d has no flow port", port)
	}
	for _, p := range pkts {
		q := fp.steer(p)
		if q == nil {
			b.mu.Lock()
			b.missDrops++
			b.mu.Unlock()
			continue
		}
		q.deliver(p)
	}
	return nil
}

// MissDrops reports packets injected but matched by no rule.
func (b *Backend) MissDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.missDrops
}

// TxSent reports packets submitted for transmission on one queue.
func (b *Backend) TxSent(port, queue uint16) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.gpus {
		if st := g.txState(port, queue); st != nil {
			return st.sent.Load()
		}
	}
	return 0
}

// WaitIdle sleeps briefly; tests use it to let task goroutines settle.
func (b *Backend) WaitIdle() { time.Sleep(5 * time.Millisecond) }
