package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psaab/gpuflow/pkg/nic"
)

type pipeKind int

const (
	pipeDistribution pipeKind = iota
	pipeFlow
	pipeRoot
)

// pipe is one installed rule set.
type pipe struct {
	name string
	kind pipeKind

	// distribution: hash fan-out targets
	queues []uint16
	rr     uint32

	// flow: match + single target
	spec   nic.FlowSpec
	target uint16

	// root: ordered dispatch entries
	rules []nic.RootRule
}

func (p *pipe) Name() string { return p.name }

// flowPort implements nic.FlowPort for one simulated port.
type flowPort struct {
	b    *Backend
	port uint16

	mu      sync.Mutex
	pipes   []*pipe
	root    *pipe
	pending int // entries installed but not flushed
}

func (fp *flowPort) CreateDistributionPipe(name string, flowQueueIDs []uint16) (nic.Pipe, error) {
	if len(flowQueueIDs) == 0 {
		return nil, fmt.Errorf("sim: distribution pipe %s with no queues", name)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	p := &pipe{name: name, kind: pipeDistribution, queues: append([]uint16(nil), flowQueueIDs...)}
	fp.pipes = append(fp.pipes, p)
	fp.pending++
	return p, nil
}

func (fp *flowPort) CreateFlowPipe(spec nic.FlowSpec, flowQueueID uint16, fallback nic.Pipe) (nic.Pipe, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	p := &pipe{
		name:   fmt.Sprintf("RXQ_FLOW_PIPE_P%d_%s", fp.port, spec.Name),
		kind:   pipeFlow,
		spec:   spec,
		target: flowQueueID,
	}
	fp.pipes = append(fp.pipes, p)
	fp.pending++
	return p, nil
}

func (fp *flowPort) CreateRootPipe(name string, rules []nic.RootRule) (nic.Pipe, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.root != nil {
		return nil, fmt.Errorf("sim: root pipe already installed on port %d", fp.port)
	}
	ordered := append([]nic.RootRule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	p := &pipe{name: name, kind: pipeRoot, rules: ordered}
	fp.root = p
	fp.pending += len(ordered)
	return p, nil
}

func (fp *flowPort) Flush(timeout time.Duration) error {
	if err := fp.b.FlushErr; err != nil {
		return err
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.pending = 0
	return nil
}

// steer resolves one packet to a receive queue through the root pipe.
// Entries are consulted in priority order; a distribution target
// accepts anything that reached it, a flow target requires an exact
// family/protocol match.
func (fp *flowPort) steer(p Packet) *rxQueueState {
	fp.mu.Lock()
	root := fp.root
	fp.mu.Unlock()
	if root == nil {
		return nil
	}
	for i := range root.rules {
		target, ok := root.rules[i].Target.(*pipe)
		if !ok || target == nil {
			continue
		}
		switch target.kind {
		case pipeFlow:
			if target.spec.Family == p.Family && target.spec.Proto == p.Proto {
				return fp.b.queueByFlowQID(target.target)
			}
		case pipeDistribution:
			// Hash-based spread; round-robin stands in for the hash.
			fp.mu.Lock()
			idx := target.rr % uint32(len(target.queues))
			target.rr++
			qid := target.queues[idx]
			fp.mu.Unlock()
			return fp.b.queueByFlowQID(qid)
		}
	}
	return nil
}

func (b *Backend) queueByFlowQID(qid uint16) *rxQueueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flowQueues[qid]
}
