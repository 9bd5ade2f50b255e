package batch

import "sync"

// Queue is an unbounded FIFO of pending records with many producers and a
// single consumer. Enqueue never blocks on the consumer.
type Queue struct {
	mu      sync.Mutex
	records []Record
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a record
func (q *Queue) Enqueue(rec Record) {
	q.mu.Lock()
	q.records = append(q.records, rec)
	q.mu.Unlock()
}

// DrainAll removes and returns everything queued, oldest first
func (q *Queue) DrainAll() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.records
	q.records = nil
	return out
}

// Len returns the number of queued records
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
