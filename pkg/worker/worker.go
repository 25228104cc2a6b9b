// Package worker implements the pinned CPU loops that drive the
// persistent accelerator tasks: one receive and one transmit worker per
// accelerator device, each polling several hardware queues.
package worker

import (
	"fmt"
	"sync/atomic"
)

// State is the worker lifecycle state machine.
type State int32

const (
	StateInit State = iota
	StateWarmup
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWarmup:
		return "WARMUP"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats are cumulative engine counters. Workers update them with
// relaxed atomics; readers get advisory values.
type Stats struct {
	RxPkts   atomic.Uint64
	RxBytes  atomic.Uint64
	RxBursts atomic.Uint64
	RxDrops  atomic.Uint64
	// RxLastPartial counts packets observed READY during drain but
	// never delivered to the application.
	RxLastPartial atomic.Uint64

	TxPkts   atomic.Uint64
	TxBursts atomic.Uint64
	TxDrops  atomic.Uint64
}

// how often the poll loop reports non-ready semaphore state at debug
// level. Purely diagnostic.
const pollLogInterval = 100000000
