package accel

import "testing"

func TestSemaphoreRingLifecycle(t *testing.T) {
	r := NewSemaphoreRing(4)
	if r.Size() != 4 {
		t.Fatalf("Size = %d, want 4", r.Size())
	}

	// All slots start FREE.
	for i := 0; i < 4; i++ {
		st, err := r.Status(i)
		if err != nil {
			t.Fatalf("Status(%d): %v", i, err)
		}
		if st != SemFree {
			t.Errorf("slot %d initial status = %v, want FREE", i, st)
		}
	}

	info := CompletionInfo{NumPkts: 32, NumBytes: 2048, Pkt0Idx: 7, Pkt0Addr: 0x2000}
	if err := r.Post(1, info); err != nil {
		t.Fatalf("Post: %v", err)
	}

	st, err := r.Status(1)
	if err != nil || st != SemReady {
		t.Fatalf("Status(1) = %v, %v; want READY", st, err)
	}
	got, err := r.Info(1)
	if err != nil {
		t.Fatalf("Info(1): %v", err)
	}
	if got != info {
		t.Errorf("Info(1) = %+v, want %+v", got, info)
	}

	// Posting to a READY slot must fail; the producer is overrunning the
	// consumer.
	if err := r.Post(1, info); err == nil {
		t.Error("Post on READY slot did not fail")
	}

	// The consumer drains and frees; the slot becomes postable again.
	if err := r.SetStatus(1, SemFree); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := r.Post(1, info); err != nil {
		t.Errorf("Post after free: %v", err)
	}
}

func TestSemaphoreRingRangeErrors(t *testing.T) {
	r := NewSemaphoreRing(2)
	for _, slot := range []int{-1, 2, 100} {
		if _, err := r.Status(slot); err == nil {
			t.Errorf("Status(%d) did not fail", slot)
		}
		if err := r.SetStatus(slot, SemFree); err == nil {
			t.Errorf("SetStatus(%d) did not fail", slot)
		}
		if _, err := r.Info(slot); err == nil {
			t.Errorf("Info(%d) did not fail", slot)
		}
		if err := r.Post(slot, CompletionInfo{}); err == nil {
			t.Errorf("Post(%d) did not fail", slot)
		}
	}
}

func TestSemStatusString(t *testing.T) {
	tests := []struct {
		s    SemStatus
		want string
	}{
		{SemFree, "FREE"},
		{SemReady, "READY"},
		{SemStatus(9), "SemStatus(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", uint32(tt.s), got, tt.want)
		}
	}
}

func TestExitFlag(t *testing.T) {
	var f ExitFlag
	if f.Raised() {
		t.Error("new ExitFlag already raised")
	}
	f.Set()
	if !f.Raised() {
		t.Error("ExitFlag not raised after Set")
	}
}
