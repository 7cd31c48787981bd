package collector

import (
	"sync"

	"tickflow/models"
)

// OverflowPolicy controls what a full queue does with a new record.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest buffered record to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// RejectNew refuses the incoming record and keeps the buffer.
	RejectNew OverflowPolicy = "reject_new"
)

// Queue is the bounded per-source buffer between an adapter's callback
// goroutine and the dispatcher's collect cycle.
type Queue struct {
	mu      sync.Mutex
	buf     []models.RawRecord
	cap     int
	policy  OverflowPolicy
	dropped uint64
}

func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if policy != RejectNew {
		policy = DropOldest
	}
	return &Queue{
		buf:    make([]models.RawRecord, 0, capacity),
		cap:    capacity,
		policy: policy,
	}
}

// Push enqueues one record, applying the overflow policy when the
// buffer is full. It reports whether the record was accepted.
func (q *Queue) Push(raw models.RawRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) < q.cap {
		q.buf = append(q.buf, raw)
		return true
	}
	q.dropped++
	if q.policy == RejectNew {
		return false
	}
	copy(q.buf, q.buf[1:])
	q.buf[len(q.buf)-1] = raw
	return true
}

// Drain removes and returns up to max records in arrival order. A max
// of zero or less drains everything.
func (q *Queue) Drain(max int) []models.RawRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.buf)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([]models.RawRecord, n)
	copy(out, q.buf[:n])
	remaining := copy(q.buf, q.buf[n:])
	q.buf = q.buf[:remaining]
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns the number of records lost to overflow since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
