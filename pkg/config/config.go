// Package config defines the engine configuration: memory regions,
// interfaces, queues and flow rules, loaded from a YAML file at daemon
// start. The configuration is read-only after validation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// MemoryKind is the placement of a memory region.
type MemoryKind string

const (
	// MemoryKindDevice is accelerator-exclusive memory.
	MemoryKindDevice MemoryKind = "device"
	// MemoryKindHostPinned is host-pinned, accelerator-visible memory.
	MemoryKindHostPinned MemoryKind = "host_pinned"
)

// MemoryRegion describes one named buffer pool consumed when sizing
// hardware and accelerator queues.
type MemoryRegion struct {
	Name     string     `yaml:"name"`
	Kind     MemoryKind `yaml:"kind"`
	Affinity int        `yaml:"affinity"` // accelerator device ordinal
	BufSize  int        `yaml:"buf_size"`
	NumBufs  int        `yaml:"num_bufs"`
}

// Queue configures one hardware queue in either direction.
type Queue struct {
	Name      string   `yaml:"name"`
	ID        uint16   `yaml:"id"`
	CPUCore   int      `yaml:"cpu_core"`
	BatchSize int      `yaml:"batch_size"`
	Regions   []string `yaml:"memory_regions"`
}

// FlowMatch is the match criteria of an explicit steering rule:
// address family plus transport protocol class.
type FlowMatch struct {
	Family   string `yaml:"family"`   // ipv4 (default) or ipv6
	Protocol string `yaml:"protocol"` // udp (default) or tcp
}

// Flow binds match criteria to a target receive queue.
type Flow struct {
	Name  string    `yaml:"name"`
	Match FlowMatch `yaml:"match"`
	Queue uint16    `yaml:"queue"`
}

// RxSide configures the receive direction of one interface.
type RxSide struct {
	Queues []Queue `yaml:"queues"`
	Flows  []Flow  `yaml:"flows"`
}

// TxSide configures the transmit direction of one interface.
type TxSide struct {
	Queues []Queue `yaml:"queues"`
}

// Interface is one physical NIC port, addressed by PCI.
type Interface struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // PCI address
	RX      RxSide `yaml:"rx"`
	TX      TxSide `yaml:"tx"`
}

// Config is the full engine configuration.
type Config struct {
	MasterCore int            `yaml:"master_core"`
	Backend    string         `yaml:"backend"` // accelerator/NIC backend type, default "sim"
	Regions    []MemoryRegion `yaml:"memory_regions"`
	Interfaces []Interface    `yaml:"interfaces"`

	// Sizing knobs, defaulted when zero.
	RxPoolSize int `yaml:"rx_pool_size"`
	TxPoolSize int `yaml:"tx_pool_size"`
	RingSize   int `yaml:"ring_size"`
}

// Defaults matching the reference sizing.
const (
	DefaultRingSize  = 2048
	DefaultBatchSize = 32
)

// Load reads and parses a config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, applying defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = "sim"
	}
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	for i := range c.Interfaces {
		intf := &c.Interfaces[i]
		for j := range intf.RX.Queues {
			if intf.RX.Queues[j].BatchSize == 0 {
				intf.RX.Queues[j].BatchSize = DefaultBatchSize
			}
		}
		for j := range intf.TX.Queues {
			if intf.TX.Queues[j].BatchSize == 0 {
				intf.TX.Queues[j].BatchSize = DefaultBatchSize
			}
		}
	}
}

// check rejects structurally broken configs early. Semantic validation
// (affinity mixing, buffer splitting) belongs to the engine manager.
func (c *Config) check() error {
	if c.RingSize < 2 || c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("ring_size %d must be a power of two, at least 2", c.RingSize)
	}
	seen := map[string]bool{}
	for _, mr := range c.Regions {
		if mr.Name == "" {
			return fmt.Errorf("memory region without a name")
		}
		if seen[mr.Name] {
			return fmt.Errorf("duplicate memory region %q", mr.Name)
		}
		seen[mr.Name] = true
		switch mr.Kind {
		case MemoryKindDevice, MemoryKindHostPinned:
		default:
			return fmt.Errorf("memory region %q: unsupported kind %q", mr.Name, mr.Kind)
		}
		if mr.BufSize <= 0 || mr.NumBufs <= 0 {
			return fmt.Errorf("memory region %q: buf_size and num_bufs must be positive", mr.Name)
		}
	}
	for _, intf := range c.Interfaces {
		if intf.Address == "" {
			return fmt.Errorf("interface %q: missing PCI address", intf.Name)
		}
		for _, q := range append(append([]Queue{}, intf.RX.Queues...), intf.TX.Queues...) {
			if len(q.Regions) == 0 {
				return fmt.Errorf("interface %q queue %d: no memory region", intf.Name, q.ID)
			}
			for _, name := range q.Regions {
				if !seen[name] {
					return fmt.Errorf("interface %q queue %d: unknown memory region %q", intf.Name, q.ID, name)
				}
			}
		}
		for _, f := range intf.RX.Flows {
			found := false
			for _, q := range intf.RX.Queues {
				if q.ID == f.Queue {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("interface %q flow %q: target queue %d not configured", intf.Name, f.Name, f.Queue)
			}
		}
	}
	return nil
}

// Region resolves a memory region by name.
func (c *Config) Region(name string) (MemoryRegion, bool) {
	for _, mr := range c.Regions {
		if mr.Name == name {
			return mr, true
		}
	}
	return MemoryRegion{}, false
}
