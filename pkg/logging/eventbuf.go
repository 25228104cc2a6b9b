// Package logging retains recent engine events (back-pressure drops,
// pool exhaustion, semaphore faults) in a bounded buffer for the
// status API. Hot-path callers append without allocation beyond the
// record itself.
package logging

import (
	"sync"
	"time"
)

// Event types.
const (
	EventRxDrop    = "RX_DROP"     // software ring full, burst dropped
	EventPoolEmpty = "POOL_EMPTY"  // descriptor pool exhausted
	EventTxNoSpace = "TX_NOSPACE"  // transmit ring full on send
	EventSemError  = "SEM_ERROR"   // semaphore status read/write fault
	EventTxQueueID = "TX_QUEUE_ID" // descriptor queue id mismatch
)

// EventRecord is one retained engine event.
type EventRecord struct {
	Time    time.Time `json:"time"`
	Seq     uint64    `json:"seq"`
	Type    string    `json:"type"`
	Port    uint16    `json:"port"`
	Queue   uint16    `json:"queue"`
	Packets uint64    `json:"packets,omitempty"`
	Bytes   uint64    `json:"bytes,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// EventBuffer is a thread-safe circular buffer of recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	head  int // next write position
	count int
	seq   uint64
}

// NewEventBuffer creates a buffer retaining the last size events.
func NewEventBuffer(size int) *EventBuffer {
	return &EventBuffer{buf: make([]EventRecord, size)}
}

// Add appends an event, evicting the oldest when full.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % len(eb.buf)
	if eb.count < len(eb.buf) {
		eb.count++
	}
}

// Recent returns up to n most recent events, newest first.
func (eb *EventBuffer) Recent(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if n > eb.count {
		n = eb.count
	}
	out := make([]EventRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + len(eb.buf)) % len(eb.buf)
		out = append(out, eb.buf[idx])
	}
	return out
}

// Len reports the number of retained events.
func (eb *EventBuffer) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.count
}
