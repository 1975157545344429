package audit

import (
	"sync"

	"github.com/pitabwire/signet/model"
)

// RingBuffer is a bounded, thread-safe FIFO of activity logs awaiting retry.
// When full, the oldest entry is dropped to make room.
type RingBuffer struct {
	mu       sync.Mutex
	entries  []model.ActivityLog
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
	dropped  int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}
	return &RingBuffer{
		entries:  make([]model.ActivityLog, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an entry and reports whether the oldest one was dropped.
func (b *RingBuffer) Enqueue(log model.ActivityLog) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if b.count >= b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
		dropped = true
	}

	b.entries[b.head] = log
	b.head = (b.head + 1) % b.capacity
	b.count++
	return dropped
}

// Peek returns the oldest entry without removing it.
func (b *RingBuffer) Peek() (model.ActivityLog, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return model.ActivityLog{}, false
	}
	return b.entries[b.tail], true
}

// DropOldest removes the oldest entry if its ID is id. It returns false when
// the buffer is empty or the head has since moved on, for example because a
// full buffer evicted it.
func (b *RingBuffer) DropOldest(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || b.entries[b.tail].ID != id {
		return false
	}
	b.entries[b.tail] = model.ActivityLog{}
	b.tail = (b.tail + 1) % b.capacity
	b.count--
	return true
}

// Len returns the current number of entries.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of entries evicted because the buffer was
// full.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
