// Package nic defines the boundary with the NIC and its hardware
// flow-steering engine. Rule installation, device probing and queue
// bring-up all happen behind these interfaces; the engine only
// orchestrates them.
package nic

import (
	"errors"
	"net"
	"time"
)

// ErrNotFound is returned by Opener.Open when no device matches the
// given PCI address.
var ErrNotFound = errors.New("nic: device not found")

// ErrFlushTimeout is returned by FlowPort.Flush when pending entries do
// not complete within the timeout. Initialization treats it as fatal.
var ErrFlushTimeout = errors.New("nic: flow entry flush timed out")

// Opener opens NIC devices by PCI address.
type Opener interface {
	Open(pciAddr string) (Device, error)
}

// Device is one opened NIC port.
type Device interface {
	PCIAddr() string
	MACAddr() net.HardwareAddr
	// StartFlowPort configures the port for hardware steering with the
	// given number of receive queues and returns the per-port flow
	// programming handle.
	StartFlowPort(port uint16, numRxQueues int) (FlowPort, error)
	Close() error
}

// Family is the address-family component of a flow match.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Proto is the transport-protocol class of a flow match.
type Proto int

const (
	ProtoUDP Proto = iota
	ProtoTCP
)

func (p Proto) String() string {
	if p == ProtoTCP {
		return "tcp"
	}
	return "udp"
}

// FlowSpec is the match criteria of one steering rule.
type FlowSpec struct {
	Name   string
	Family Family
	Proto  Proto
}

// RootRule is one entry of a port's root dispatch pipe. Lower priority
// values match first; explicit flows install at priority 0 and the
// default distribution entry at 1.
type RootRule struct {
	Match    FlowSpec
	Target   Pipe
	Priority int
}

// Pipe is an installed hardware match-action rule set.
type Pipe interface {
	Name() string
}

// FlowPort programs steering rules on one port. Entries are installed
// asynchronously; Flush commits them with a bounded timeout.
type FlowPort interface {
	// CreateDistributionPipe spreads unmatched traffic across the given
	// hardware flow-queue ordinals by a hash policy.
	CreateDistributionPipe(name string, flowQueueIDs []uint16) (Pipe, error)

	// CreateFlowPipe steers traffic matching spec to a single hardware
	// queue, falling back to fallback on miss (nil drops).
	CreateFlowPipe(spec FlowSpec, flowQueueID uint16, fallback Pipe) (Pipe, error)

	// CreateRootPipe installs the top-level dispatch table.
	CreateRootPipe(name string, rules []RootRule) (Pipe, error)

	Flush(timeout time.Duration) error
}
