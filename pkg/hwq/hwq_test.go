package hwq

import (
	"sync"
	"testing"

	"github.com/psaab/gpuflow/pkg/accel"
	"github.com/psaab/gpuflow/pkg/sim"
)

func testDevice(t *testing.T) accel.Device {
	t.Helper()
	g, err := sim.NewBackend().Device(0)
	if err != nil {
		t.Fatalf("Device(0): %v", err)
	}
	return g
}

func TestNewRxQueueRoundsGeometry(t *testing.T) {
	tests := []struct {
		name     string
		numBufs  int
		bufSize  int
		wantPkts uint32
		wantSize uint32
	}{
		{"already power of two", 1024, 4096, 1024, 4096},
		{"rounds up", 1000, 3000, 1024, 4096},
		{"large packets clamp buffer count", 65536, 9000, ThresholdBufNum, 16384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewRxQueue(testDevice(t), nil, 0, 0, tt.numBufs, tt.bufSize, accel.MemDevice)
			if err != nil {
				t.Fatalf("NewRxQueue: %v", err)
			}
			if q.MaxPkts != tt.wantPkts {
				t.Errorf("MaxPkts = %d, want %d", q.MaxPkts, tt.wantPkts)
			}
			if q.MaxPktSize != tt.wantSize {
				t.Errorf("MaxPktSize = %d, want %d", q.MaxPktSize, tt.wantSize)
			}
		})
	}
}

func TestCreateSemaphoreRingOnce(t *testing.T) {
	q, err := NewRxQueue(testDevice(t), nil, 0, 0, 64, 2048, accel.MemDevice)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.CreateSemaphoreRing(); err != nil {
		t.Fatalf("CreateSemaphoreRing: %v", err)
	}
	if q.Sem.Size() != DefaultSemRingSlots {
		t.Errorf("semaphore ring size = %d, want %d", q.Sem.Size(), DefaultSemRingSlots)
	}
	if err := q.CreateSemaphoreRing(); err == nil {
		t.Error("second CreateSemaphoreRing did not fail")
	}
}

func TestReserveSlotsDisjointUnderConcurrency(t *testing.T) {
	q, err := NewTxQueue(testDevice(t), 0, 0, 256, 2048, accel.MemDevice)
	if err != nil {
		t.Fatal(err)
	}

	const (
		goroutines = 8
		perG       = 64
		batch      = 4
	)
	var wg sync.WaitGroup
	starts := make(chan uint32, goroutines*perG)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				starts <- q.ReserveSlots(batch)
			}
		}()
	}
	wg.Wait()
	close(starts)

	// Every reservation advances the cursor by the same amount, so each
	// wrapped start index repeats exactly (total*batch)/MaxPkts times.
	counts := make(map[uint32]int)
	for s := range starts {
		if s >= q.MaxPkts {
			t.Fatalf("start %d out of range [0,%d)", s, q.MaxPkts)
		}
		if s%batch != 0 {
			t.Fatalf("start %d not aligned to batch %d", s, batch)
		}
		counts[s]++
	}
	wantRepeats := goroutines * perG * batch / int(q.MaxPkts)
	for s, n := range counts {
		if n != wantRepeats {
			t.Errorf("start %d reserved %d times, want %d", s, n, wantRepeats)
		}
	}
}

func TestPacketAddr(t *testing.T) {
	q, err := NewTxQueue(testDevice(t), 0, 0, 16, 2048, accel.MemDevice)
	if err != nil {
		t.Fatal(err)
	}
	base := q.Res.Buffer.Addr
	if got := q.PacketAddr(0); got != base {
		t.Errorf("PacketAddr(0) = %#x, want %#x", got, base)
	}
	if got := q.PacketAddr(5); got != base+5*2048 {
		t.Errorf("PacketAddr(5) = %#x, want %#x", got, base+5*2048)
	}
	// Indices past the buffer wrap.
	if got := q.PacketAddr(16 + 3); got != base+3*2048 {
		t.Errorf("PacketAddr(19) = %#x, want %#x", got, base+3*2048)
	}
}
