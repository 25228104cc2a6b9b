package flow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/config"
	"github.com/psaab/gpuflow/pkg/hwq"
	"github.com/psaab/gpuflow/pkg/nic"
	"github.com/psaab/gpuflow/pkg/sim"
)

func testPort(t *testing.T, b *sim.Backend, numQueues int) (nic.FlowPort, map[uint16]*hwq.RxQueue) {
	t.Helper()
	dev, err := b.Open("0000:17:00.0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fp, err := dev.StartFlowPort(0, numQueues)
	if err != nil {
		t.Fatalf("StartFlowPort: %v", err)
	}
	gpu, err := b.Device(0)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	queues := make(map[uint16]*hwq.RxQueue, numQueues)
	for i := 0; i < numQueues; i++ {
		q, err := hwq.NewRxQueue(gpu, fp, 0, uint16(i), 64, 2048, accel.MemDevice)
		if err != nil {
			t.Fatalf("NewRxQueue %d: %v", i, err)
		}
		queues[uint16(i)] = q
	}
	return fp, queues
}

func TestMatchSpec(t *testing.T) {
	tests := []struct {
		name    string
		match   config.FlowMatch
		want    nic.FlowSpec
		wantErr bool
	}{
		{
			name:  "defaults to ipv4 udp",
			match: config.FlowMatch{},
			want:  nic.FlowSpec{Name: "f", Family: nic.FamilyIPv4, Proto: nic.ProtoUDP},
		},
		{
			name:  "ipv6 tcp",
			match: config.FlowMatch{Family: "ipv6", Protocol: "tcp"},
			want:  nic.FlowSpec{Name: "f", Family: nic.FamilyIPv6, Proto: nic.ProtoTCP},
		},
		{
			name:    "unknown family",
			match:   config.FlowMatch{Family: "ipx"},
			wantErr: true,
		},
		{
			name:    "unknown protocol",
			match:   config.FlowMatch{Protocol: "sctp"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchSpec("f", tt.match)
			if tt.wantErr {
				if err == nil {
					t.Fatal("MatchSpec succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("MatchSpec: %v", err)
			}
			if got != tt.want {
				t.Errorf("MatchSpec = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProgramFlowsAndDefault(t *testing.T) {
	b := sim.NewBackend()
	fp, queues := testPort(t, b, 2)

	c := New(0, fp)
	if c.State() != Uninitialized {
		t.Fatalf("initial state = %v", c.State())
	}

	flows := []config.Flow{
		{Name: "adc", Match: config.FlowMatch{Family: "ipv4", Protocol: "udp"}, Queue: 0},
	}
	if err := c.Program(queues, flows, DefaultFlushTimeout); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if c.State() != Active {
		t.Errorf("state = %v, want ACTIVE", c.State())
	}
	if queues[0].Pipe == nil {
		t.Error("claimed queue has no flow pipe")
	}
	if queues[1].Pipe != nil {
		t.Error("unclaimed queue unexpectedly has a flow pipe")
	}
}

func TestProgramAllQueuesClaimedSkipsDefault(t *testing.T) {
	b := sim.NewBackend()
	fp, queues := testPort(t, b, 1)

	flows := []config.Flow{
		{Name: "only", Match: config.FlowMatch{}, Queue: 0},
	}
	c := New(0, fp)
	if err := c.Program(queues, flows, DefaultFlushTimeout); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if c.State() != Active {
		t.Errorf("state = %v, want ACTIVE", c.State())
	}
}

func TestProgramDefaultQueueLimit(t *testing.T) {
	t.Run("one under the limit succeeds", func(t *testing.T) {
		b := sim.NewBackend()
		fp, queues := testPort(t, b, MaxDefaultQueues-1)

		c := New(0, fp)
		if err := c.Program(queues, nil, DefaultFlushTimeout); err != nil {
			t.Fatalf("Program: %v", err)
		}
		if c.State() != Active {
			t.Errorf("state = %v, want ACTIVE", c.State())
		}
	})

	t.Run("at the limit fails", func(t *testing.T) {
		b := sim.NewBackend()
		fp, queues := testPort(t, b, MaxDefaultQueues)

		c := New(0, fp)
		err := c.Program(queues, nil, DefaultFlushTimeout)
		if err == nil {
			t.Fatal("Program succeeded with too many default queues")
		}
		if c.State() == Active {
			t.Error("state ACTIVE after failed programming")
		}
	})
}

func TestProgramFlushFailureIsFatal(t *testing.T) {
	b := sim.NewBackend()
	fp, queues := testPort(t, b, 2)
	b.FlushErr = errors.New("entries still pending")

	c := New(0, fp)
	err := c.Program(queues, nil, 10*time.Millisecond)
	if err == nil {
		t.Fatal("Program succeeded despite flush failure")
	}
	if c.State() != RootPipeCreated {
		t.Errorf("state = %v, want ROOT_PIPE_CREATED", c.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Uninitialized, "UNINITIALIZED"},
		{DefaultPipeCreated, "DEFAULT_PIPE_CREATED"},
		{RootPipeCreated, "ROOT_PIPE_CREATED"},
		{Active, "ACTIVE"},
		{State(9), fmt.Sprintf("State(%d)", 9)},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String = %q, want %q", got, tt.want)
		}
	}
}
