// Package flow programs hardware steering for one port: a default
// distribution pipe over unclaimed receive queues, a dedicated pipe per
// explicit flow rule, and the root dispatch pipe tying them together.
package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/psaab/gpuflow/pkg/config"
	"github.com/psaab/gpuflow/pkg/hwq"
	"github.com/psaab/gpuflow/pkg/nic"
)

// MaxDefaultQueues bounds the default distribution rule's fan-out;
// programming fails once the unclaimed queue count reaches it, so at
// most MaxDefaultQueues-1 queues share the default pipe.
const MaxDefaultQueues = 16

// DefaultFlushTimeout bounds the asynchronous entry flush; exceeding it
// is fatal to port initialization.
const DefaultFlushTimeout = 500 * time.Millisecond

// State tracks per-port programming progress.
type State int

const (
	Uninitialized State = iota
	DefaultPipeCreated
	RootPipeCreated
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case DefaultPipeCreated:
		return "DEFAULT_PIPE_CREATED"
	case RootPipeCreated:
		return "ROOT_PIPE_CREATED"
	case Active:
		return "ACTIVE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Coordinator programs steering rules for one port.
type Coordinator struct {
	port     uint16
	flowPort nic.FlowPort

	state       State
	defaultPipe nic.Pipe
	rootPipe    nic.Pipe
}

// New creates a coordinator for one port's flow handle.
func New(port uint16, fp nic.FlowPort) *Coordinator {
	return &Coordinator{port: port, flowPort: fp}
}

// State returns the current programming state.
func (c *Coordinator) State() State { return c.state }

// MatchSpec converts a config flow match into the hardware match spec.
func MatchSpec(name string, m config.FlowMatch) (nic.FlowSpec, error) {
	spec := nic.FlowSpec{Name: name}
	switch m.Family {
	case "", "ipv4":
		spec.Family = nic.FamilyIPv4
	case "ipv6":
		spec.Family = nic.FamilyIPv6
	default:
		return spec, fmt.Errorf("flow %s: unknown address family %q", name, m.Family)
	}
	switch m.Protocol {
	case "", "udp":
		spec.Proto = nic.ProtoUDP
	case "tcp":
		spec.Proto = nic.ProtoTCP
	default:
		return spec, fmt.Errorf("flow %s: unknown protocol %q", name, m.Protocol)
	}
	return spec, nil
}

// Program installs all steering state for the port: default pipe over
// queues not claimed by an explicit flow, one pipe per explicit flow,
// and the root dispatch pipe, then flushes pending entries.
//
// Zero unclaimed queues skips the default pipe (not an error); an
// unclaimed queue count at or past MaxDefaultQueues fails
// initialization.
func (c *Coordinator) Program(queues map[uint16]*hwq.RxQueue, flows []config.Flow, flushTimeout time.Duration) error {
	claimed := map[uint16]bool{}
	for _, f := range flows {
		claimed[f.Queue] = true
	}

	var defQueues []uint16
	for id, q := range queues {
		if !claimed[id] {
			defQueues = append(defQueues, q.Res.FlowQueueID)
		}
	}

	if len(defQueues) >= MaxDefaultQueues {
		return fmt.Errorf("port %d: %d default queues reaches limit %d", c.port, len(defQueues), MaxDefaultQueues)
	}
	if len(defQueues) == 0 {
		slog.Warn("no unclaimed rx queues, skipping default pipe", "port", c.port)
	} else {
		name := fmt.Sprintf("RXQ_DEF_PIPE_P%d", c.port)
		p, err := c.flowPort.CreateDistributionPipe(name, defQueues)
		if err != nil {
			return fmt.Errorf("default pipe port %d: %w", c.port, err)
		}
		c.defaultPipe = p
	}
	c.state = DefaultPipeCreated

	rules := make([]nic.RootRule, 0, len(flows)+1)
	for _, f := range flows {
		spec, err := MatchSpec(f.Name, f.Match)
		if err != nil {
			return err
		}
		q, ok := queues[f.Queue]
		if !ok {
			return fmt.Errorf("port %d flow %s: queue %d has no backend", c.port, f.Name, f.Queue)
		}
		slog.Info("creating rx flow pipe", "port", c.port, "flow", f.Name, "queue", f.Queue)
		if err := q.CreateFlowPipe(spec, c.defaultPipe); err != nil {
			return err
		}
		rules = append(rules, nic.RootRule{Match: spec, Target: q.Pipe, Priority: 0})
	}

	if c.defaultPipe != nil {
		// Default entry sits below all explicit flows.
		rules = append(rules, nic.RootRule{
			Match:    nic.FlowSpec{Name: "default", Family: nic.FamilyIPv4, Proto: nic.ProtoUDP},
			Target:   c.defaultPipe,
			Priority: 1,
		})
	}

	root, err := c.flowPort.CreateRootPipe(fmt.Sprintf("ROOT_PIPE_P%d", c.port), rules)
	if err != nil {
		return fmt.Errorf("root pipe port %d: %w", c.port, err)
	}
	c.rootPipe = root
	c.state = RootPipeCreated

	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	if err := c.flowPort.Flush(flushTimeout); err != nil {
		return fmt.Errorf("flush flow entries port %d: %w", c.port, err)
	}
	c.state = Active
	slog.Info("flow steering active", "port", c.port, "flows", len(flows), "default_queues", len(defQueues))
	return nil
}
