package event

import "sync"

// Queue is an unbounded FIFO of events shared between producers (quote
// source, reconciliation) and the single consumer task of one symbol.
type Queue struct {
	mu    sync.Mutex
	items []*Event
	head  int
}

// Push appends an event.
func (q *Queue) Push(ev *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ev)
}

// Peek returns the oldest event without removing it.
func (q *Queue) Peek() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the oldest event.
func (q *Queue) Pop() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil, false
	}
	ev := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
