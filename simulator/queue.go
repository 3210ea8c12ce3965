package simulator

import (
	"sync"

	"github.com/unixpickle/essentials"
)

// A Queue is a FIFO of messages that one consumer
// Goroutine drains in exactly the order they were pushed.
//
// Timers with equal deadlines are delivered in random
// order, so a plain EventStream cannot be used when
// ordering matters. The Queue keeps the items itself and
// only uses its EventStream as a doorbell.
type Queue struct {
	lock     sync.Mutex
	items    []interface{}
	doorbell *EventStream
}

// NewQueue creates an empty Queue on the loop.
func NewQueue(loop *EventLoop) *Queue {
	return &Queue{doorbell: loop.Stream()}
}

// Push appends an item and wakes the consumer.
//
// This never blocks.
func (q *Queue) Push(h *Handle, item interface{}) {
	q.lock.Lock()
	q.items = append(q.items, item)
	q.lock.Unlock()
	h.Schedule(q.doorbell, nil, 0)
}

// Pop removes the oldest item, waiting in virtual time
// until one is available.
func (q *Queue) Pop(h *Handle) interface{} {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			essentials.OrderedDelete(&q.items, 0)
			q.lock.Unlock()
			return item
		}
		q.lock.Unlock()
		h.Poll(q.doorbell)
	}
}

// Len returns the number of items not yet popped.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}
