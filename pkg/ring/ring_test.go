package ring

import (
	"sync"
	"testing"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	r := New[int](8)
	for i := 0; i < 5; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("Enqueue(%d) failed on non-full ring", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d failed on non-empty ring", i)
		}
		if v != i {
			t.Errorf("Dequeue = %d, want %d", v, i)
		}
	}
	if _, ok := r.Dequeue(); ok {
		t.Error("Dequeue succeeded on empty ring")
	}
}

func TestFullRejectsProducer(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 4; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("Enqueue(%d) failed before capacity", i)
		}
	}
	if r.Enqueue(99) {
		t.Error("Enqueue succeeded on full ring")
	}
	if got := r.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}

	// Draining one slot makes room for exactly one more.
	if _, ok := r.Dequeue(); !ok {
		t.Fatal("Dequeue failed on full ring")
	}
	if !r.Enqueue(99) {
		t.Error("Enqueue failed after drain")
	}
}

func TestWrapAround(t *testing.T) {
	r := New[int](4)
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			if !r.Enqueue(round*10 + i) {
				t.Fatalf("round %d: Enqueue(%d) failed", round, i)
			}
		}
		for i := 0; i < 3; i++ {
			v, ok := r.Dequeue()
			if !ok || v != round*10+i {
				t.Fatalf("round %d: Dequeue = %d,%v, want %d,true", round, v, ok, round*10+i)
			}
		}
	}
}

func TestMinimumCapacityFullRejects(t *testing.T) {
	r := New[int](2)
	if !r.Enqueue(1) || !r.Enqueue(2) {
		t.Fatal("Enqueue failed before capacity")
	}
	// The smallest ring must still reject the producer when full
	// instead of overwriting the oldest slot.
	if r.Enqueue(3) {
		t.Fatal("Enqueue succeeded on full two-slot ring")
	}
	for want := 1; want <= 2; want++ {
		v, ok := r.Dequeue()
		if !ok || v != want {
			t.Fatalf("Dequeue = %d,%v, want %d,true", v, ok, want)
		}
	}
	if _, ok := r.Dequeue(); ok {
		t.Error("Dequeue succeeded on empty ring")
	}
}

func TestCapacityMustBePowerOfTwo(t *testing.T) {
	for _, capacity := range []int{0, -1, 1, 3, 100} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", capacity)
				}
			}()
			New[int](capacity)
		}()
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers   = 4
		consumers   = 4
		perProducer = 10000
	)
	r := New[int](256)

	var wg sync.WaitGroup
	var consumed sync.WaitGroup
	results := make(chan int, producers*perProducer)

	consumed.Add(producers * perProducer)
	for c := 0; c < consumers; c++ {
		go func() {
			for {
				v, ok := r.Dequeue()
				if !ok {
					continue
				}
				if v == -1 {
					return
				}
				results <- v
				consumed.Done()
			}
		}()
	}

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Enqueue(p*perProducer + i) {
				}
			}
		}(p)
	}
	wg.Wait()
	consumed.Wait()

	// Stop the consumers.
	for c := 0; c < consumers; c++ {
		for !r.Enqueue(-1) {
		}
	}

	close(results)
	seen := make(map[int]bool, producers*perProducer)
	for v := range results {
		if seen[v] {
			t.Fatalf("value %d consumed twice", v)
		}
		seen[v] = true
	}
	if len(seen) != producers*perProducer {
		t.Errorf("consumed %d unique values, want %d", len(seen), producers*perProducer)
	}
}
