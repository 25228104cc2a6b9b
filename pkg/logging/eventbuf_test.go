package logging

import (
	"fmt"
	"testing"
)

func TestEventBufferRecentNewestFirst(t *testing.T) {
	eb := NewEventBuffer(10)
	for i := 0; i < 5; i++ {
		eb.Add(EventRecord{Type: EventRxDrop, Detail: fmt.Sprintf("e%d", i)})
	}
	if eb.Len() != 5 {
		t.Fatalf("Len = %d, want 5", eb.Len())
	}
	got := eb.Recent(3)
	if len(got) != 3 {
		t.Fatalf("Recent(3) returned %d records", len(got))
	}
	for i, want := range []string{"e4", "e3", "e2"} {
		if got[i].Detail != want {
			t.Errorf("Recent[%d].Detail = %q, want %q", i, got[i].Detail, want)
		}
	}
}

func TestEventBufferEviction(t *testing.T) {
	eb := NewEventBuffer(3)
	for i := 0; i < 7; i++ {
		eb.Add(EventRecord{Detail: fmt.Sprintf("e%d", i)})
	}
	if eb.Len() != 3 {
		t.Fatalf("Len = %d, want 3", eb.Len())
	}
	got := eb.Recent(10)
	if len(got) != 3 {
		t.Fatalf("Recent(10) returned %d records", len(got))
	}
	for i, want := range []string{"e6", "e5", "e4"} {
		if got[i].Detail != want {
			t.Errorf("Recent[%d].Detail = %q, want %q", i, got[i].Detail, want)
		}
	}
	// Sequence numbers keep counting across evictions.
	if got[0].Seq != 7 {
		t.Errorf("newest Seq = %d, want 7", got[0].Seq)
	}
}

func TestEventBufferTimestamps(t *testing.T) {
	eb := NewEventBuffer(2)
	eb.Add(EventRecord{Type: EventPoolEmpty})
	got := eb.Recent(1)
	if got[0].Time.IsZero() {
		t.Error("Add did not stamp a zero time")
	}
}
