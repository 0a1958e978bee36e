package chat

import "sync"

// RecentBuffer keeps the last N archived messages in memory as a ring buffer.
// The history endpoint falls back to it when PostgreSQL is unavailable, so a
// database outage degrades history to best effort instead of a hard error.
// It is goroutine-safe.
type RecentBuffer struct {
	mu    sync.RWMutex
	items []StoredMessage
	pos   int
	count int
}

// NewRecentBuffer creates a ring buffer holding up to size messages.
func NewRecentBuffer(size int) *RecentBuffer {
	if size <= 0 {
		size = 1
	}
	return &RecentBuffer{items: make([]StoredMessage, size)}
}

// Add appends a message to the ring. When the ring is full the oldest
// message is overwritten.
func (rb *RecentBuffer) Add(m StoredMessage) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.items[rb.pos] = m
	rb.pos = (rb.pos + 1) % len(rb.items)
	if rb.count < len(rb.items) {
		rb.count++
	}
}

// Snapshot returns the buffered messages in chronological order, oldest
// first. Returns an empty slice when nothing has been buffered.
func (rb *RecentBuffer) Snapshot() []StoredMessage {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	size := len(rb.items)
	result := make([]StoredMessage, rb.count)
	start := (rb.pos - rb.count + size) % size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%size]
	}
	return result
}

// Len returns the number of buffered messages.
func (rb *RecentBuffer) Len() int {
	rb.mu.RLock()
	n := rb.count
	rb.mu.RUnlock()
	return n
}
