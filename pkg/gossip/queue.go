package gossip

import (
	"errors"
	"sync"
)

// ErrQueueFull reports an update dropped because the queue is at capacity.
// The drop is not fatal: the authoritative state lives in the Table and the
// record is re-offered on the next local change or anti-entropy pass.
var ErrQueueFull = errors.New("gossip: update queue full")

// UpdateQueue is a bounded circular buffer of membership-change records
// awaiting piggyback dissemination. Neither operation blocks.
type UpdateQueue struct {
	mu      sync.Mutex
	buf     []Update
	head    int
	size    int
	dropped uint64
}

// NewUpdateQueue creates a queue holding at most capacity pending updates.
func NewUpdateQueue(capacity int) *UpdateQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &UpdateQueue{buf: make([]Update, capacity)}
}

// Push appends u, failing with ErrQueueFull when no slot is free.
func (q *UpdateQueue) Push(u Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		q.dropped++
		return ErrQueueFull
	}
	q.buf[(q.head+q.size)%len(q.buf)] = u
	q.size++
	return nil
}

// PopBatch removes and returns up to max of the oldest pending updates.
func (q *UpdateQueue) PopBatch(max int) []Update {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if n > max {
		n = max
	}
	if n <= 0 {
		return nil
	}
	out := make([]Update, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = Update{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return out
}

// Len returns the number of pending updates.
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many pushes have failed since creation.
func (q *UpdateQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
