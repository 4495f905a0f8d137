package refsender

import "sync"

// RingQueue is a fixed-capacity queue of records. New records enter at the front
// and the oldest leave from the back. Pushing into a full queue evicts the
// oldest record.
type RingQueue struct {
	mu      sync.Mutex
	buf     []Record
	head    int // index of the oldest record
	count   int
	dropped int64
}

// NewRingQueue creates a queue holding at most capacity records. Capacities
// below 1 are treated as 1.
func NewRingQueue(capacity int) *RingQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RingQueue{buf: make([]Record, capacity)}
}

// PushFront adds r as the newest record and reports whether the oldest record
// had to be evicted to make room.
func (q *RingQueue) PushFront(r Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if q.count == len(q.buf) {
		q.buf[q.head] = Record{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		evicted = true
	}

	q.buf[(q.head+q.count)%len(q.buf)] = r
	q.count++
	return evicted
}

// PopBack removes and returns the oldest record. It returns false when the
// queue is empty.
func (q *RingQueue) PopBack() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Record{}, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = Record{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return r, true
}

// Len returns the number of queued records
func (q *RingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity
func (q *RingQueue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of records evicted since the queue was created
func (q *RingQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
