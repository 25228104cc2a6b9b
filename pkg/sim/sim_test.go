package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/nic"
)

func TestOpenStrictness(t *testing.T) {
	b := NewBackend()
	b.AddNIC("0000:17:00.0")

	if _, err := b.Open("0000:17:00.0"); err != nil {
		t.Errorf("Open registered device: %v", err)
	}
	// Lenient mode materializes unknown addresses.
	if _, err := b.Open("0000:aa:00.0"); err != nil {
		t.Errorf("lenient Open: %v", err)
	}

	b2 := NewBackend()
	b2.Strict = true
	b2.AddNIC("0000:17:00.0")
	if _, err := b2.Open("0000:17:00.0"); err != nil {
		t.Errorf("strict Open registered device: %v", err)
	}
	if _, err := b2.Open("0000:bb:00.0"); !errors.Is(err, nic.ErrNotFound) {
		t.Errorf("strict Open unknown device = %v, want ErrNotFound", err)
	}
}

func TestMACStableAndLocal(t *testing.T) {
	b := NewBackend()
	d1, _ := b.Open("0000:17:00.0")
	d2, _ := b.Open("0000:17:00.0")
	if d1.MACAddr().String() != d2.MACAddr().String() {
		t.Error("MAC not stable across opens")
	}
	if d1.MACAddr()[0] != 0x02 {
		t.Errorf("MAC %s not locally administered", d1.MACAddr())
	}
	d3, _ := b.Open("0000:65:00.0")
	if d1.MACAddr().String() == d3.MACAddr().String() {
		t.Error("different devices share a MAC")
	}
}

// rxSetup builds one port with numQueues receive queues, each with its
// own semaphore ring, and returns the flow port plus per-queue state.
type rxSetup struct {
	fp   nic.FlowPort
	gpu  accel.Device
	res  []*accel.RxResources
	sems []*accel.SemaphoreRing
}

func newRxSetup(t *testing.T, b *Backend, numQueues int) *rxSetup {
	t.Helper()
	dev, err := b.Open("0000:17:00.0")
	if err != nil {
		t.Fatal(err)
	}
	fp, err := dev.StartFlowPort(0, numQueues)
	if err != nil {
		t.Fatal(err)
	}
	gpu, err := b.Device(0)
	if err != nil {
		t.Fatal(err)
	}
	s := &rxSetup{fp: fp, gpu: gpu}
	for i := 0; i < numQueues; i++ {
		res, err := gpu.CreateRxResources(0, uint16(i), 64, 2048, accel.MemDevice)
		if err != nil {
			t.Fatalf("CreateRxResources %d: %v", i, err)
		}
		s.res = append(s.res, res)
		s.sems = append(s.sems, accel.NewSemaphoreRing(8))
	}
	return s
}

func (s *rxSetup) launch(t *testing.T, batchSize uint32) (*accel.ExitFlag, accel.Task) {
	t.Helper()
	queues := make([]accel.ReceiveQueue, len(s.res))
	for i := range s.res {
		queues[i] = accel.ReceiveQueue{Desc: s.res[i].Desc, Sem: s.sems[i], BatchSize: batchSize}
	}
	exit := &accel.ExitFlag{}
	task, err := s.gpu.LaunchReceiveTask(accel.ReceiveTaskConfig{
		Queues:   queues,
		Exit:     exit,
		Activate: true,
	})
	if err != nil {
		t.Fatalf("LaunchReceiveTask: %v", err)
	}
	return exit, task
}

func waitReady(t *testing.T, sem accel.SemRing, slot int) accel.CompletionInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := sem.Status(slot)
		if err != nil {
			t.Fatal(err)
		}
		if st == accel.SemReady {
			info, err := sem.Info(slot)
			if err != nil {
				t.Fatal(err)
			}
			return info
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatalf("semaphore slot %d never became READY", slot)
	return accel.CompletionInfo{}
}

func stopTask(t *testing.T, exit *accel.ExitFlag, task accel.Task) {
	t.Helper()
	exit.Set()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := task.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
}

func TestInjectFullBatchPostsCompletion(t *testing.T) {
	b := NewBackend()
	s := newRxSetup(t, b, 1)

	dist, err := s.fp.CreateDistributionPipe("def", []uint16{s.res[0].FlowQueueID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.fp.CreateRootPipe("root", []nic.RootRule{
		{Match: nic.FlowSpec{Name: "default"}, Target: dist, Priority: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.fp.Flush(time.Second); err != nil {
		t.Fatal(err)
	}

	exit, task := s.launch(t, 4)
	defer stopTask(t, exit, task)

	pkts := make([]Packet, 4)
	for i := range pkts {
		pkts[i] = Packet{Family: nic.FamilyIPv4, Proto: nic.ProtoUDP, Size: 100}
	}
	if err := b.Inject(0, pkts...); err != nil {
		t.Fatal(err)
	}

	info := waitReady(t, s.sems[0], 0)
	if info.NumPkts != 4 {
		t.Errorf("NumPkts = %d, want 4", info.NumPkts)
	}
	if info.NumBytes != 400 {
		t.Errorf("NumBytes = %d, want 400", info.NumBytes)
	}
	if info.Pkt0Idx != 0 {
		t.Errorf("Pkt0Idx = %d, want 0", info.Pkt0Idx)
	}
	if info.Pkt0Addr != s.res[0].Buffer.Addr {
		t.Errorf("Pkt0Addr = %#x, want buffer base %#x", info.Pkt0Addr, s.res[0].Buffer.Addr)
	}
}

func TestSteeringPriorityFlowBeforeDefault(t *testing.T) {
	b := NewBackend()
	s := newRxSetup(t, b, 2)

	// Explicit UDP flow to queue 0 at priority 0, distribution over
	// queue 1 at priority 1.
	spec := nic.FlowSpec{Name: "udp_flow", Family: nic.FamilyIPv4, Proto: nic.ProtoUDP}
	fpipe, err := s.fp.CreateFlowPipe(spec, s.res[0].FlowQueueID, nil)
	if err != nil {
		t.Fatal(err)
	}
	dist, err := s.fp.CreateDistributionPipe("def", []uint16{s.res[1].FlowQueueID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.fp.CreateRootPipe("root", []nic.RootRule{
		{Match: nic.FlowSpec{Name: "default"}, Target: dist, Priority: 1},
		{Match: spec, Target: fpipe, Priority: 0},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.fp.Flush(time.Second); err != nil {
		t.Fatal(err)
	}

	exit, task := s.launch(t, 1)
	defer stopTask(t, exit, task)

	if err := b.Inject(0,
		Packet{Family: nic.FamilyIPv4, Proto: nic.ProtoUDP, Size: 64},
		Packet{Family: nic.FamilyIPv4, Proto: nic.ProtoTCP, Size: 64},
	); err != nil {
		t.Fatal(err)
	}

	if info := waitReady(t, s.sems[0], 0); info.NumPkts != 1 {
		t.Errorf("flow queue NumPkts = %d, want 1", info.NumPkts)
	}
	if info := waitReady(t, s.sems[1], 0); info.NumPkts != 1 {
		t.Errorf("default queue NumPkts = %d, want 1", info.NumPkts)
	}
}

func TestInjectUnmatchedDrops(t *testing.T) {
	b := NewBackend()
	s := newRxSetup(t, b, 1)

	spec := nic.FlowSpec{Name: "udp_only", Family: nic.FamilyIPv4, Proto: nic.ProtoUDP}
	fpipe, err := s.fp.CreateFlowPipe(spec, s.res[0].FlowQueueID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.fp.CreateRootPipe("root", []nic.RootRule{
		{Match: spec, Target: fpipe, Priority: 0},
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.Inject(0, Packet{Family: nic.FamilyIPv6, Proto: nic.ProtoTCP, Size: 64}); err != nil {
		t.Fatal(err)
	}
	if got := b.MissDrops(); got != 1 {
		t.Errorf("MissDrops = %d, want 1", got)
	}
}

func TestReceiveTaskRequiresExitFlag(t *testing.T) {
	b := NewBackend()
	gpu, _ := b.Device(0)
	if _, err := gpu.LaunchReceiveTask(accel.ReceiveTaskConfig{}); err == nil {
		t.Error("LaunchReceiveTask without exit flag did not fail")
	}
}

func TestWarmupTaskExitsOnFlag(t *testing.T) {
	b := NewBackend()
	gpu, _ := b.Device(0)
	exit := &accel.ExitFlag{}
	task, err := gpu.LaunchReceiveTask(accel.ReceiveTaskConfig{Exit: exit})
	if err != nil {
		t.Fatal(err)
	}
	exit.Set()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := task.Synchronize(ctx); err != nil {
		t.Errorf("warmup Synchronize: %v", err)
	}
}
