package engine

import (
	"github.com/downburst/downburst/internal/types"
)

// Queue is the engine's ready queue of pending requests. The engine
// serializes all access under its own lock, so implementations need no
// synchronization of their own. The default discipline is LIFO; swap in
// another implementation via SetQueue to change it.
type Queue interface {
	Push(r *types.Request)
	Pop() *types.Request
	Len() int
}

// lifoQueue pops from the tail.
type lifoQueue struct {
	items []*types.Request
}

// NewLIFOQueue returns the default last-in-first-out ready queue.
func NewLIFOQueue() Queue {
	return &lifoQueue{items: make([]*types.Request, 0, 64)}
}

func (q *lifoQueue) Push(r *types.Request) {
	q.items = append(q.items, r)
}

func (q *lifoQueue) Pop() *types.Request {
	n := len(q.items)
	if n == 0 {
		return nil
	}
	r := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return r
}

func (q *lifoQueue) Len() int { return len(q.items) }

// fifoQueue pops from the head.
type fifoQueue struct {
	items []*types.Request
}

// NewFIFOQueue returns a first-in-first-out ready queue.
func NewFIFOQueue() Queue {
	return &fifoQueue{items: make([]*types.Request, 0, 64)}
}

func (q *fifoQueue) Push(r *types.Request) {
	q.items = append(q.items, r)
}

func (q *fifoQueue) Pop() *types.Request {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

func (q *fifoQueue) Len() int { return len(q.items) }
