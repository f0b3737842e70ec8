package reminder

import (
	"container/heap"
	"time"
)

// dueItem is a heap entry. Entries are never updated in place: a changed
// event gets a new entry and the old one is discarded on pop once the store
// no longer agrees with it.
type dueItem struct {
	id     string
	fireAt time.Time
}

type dueHeap []dueItem

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].id < h[j].id
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)   { *h = append(*h, x.(dueItem)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// dueQueue orders pending fire times. Callers hold the scheduler lock.
type dueQueue struct {
	h dueHeap
}

func (q *dueQueue) push(id string, at time.Time) {
	heap.Push(&q.h, dueItem{id: id, fireAt: at})
}

// popDue removes and returns the earliest entry if it is due at now.
func (q *dueQueue) popDue(now time.Time) (dueItem, bool) {
	if len(q.h) == 0 || q.h[0].fireAt.After(now) {
		return dueItem{}, false
	}
	return heap.Pop(&q.h).(dueItem), true
}

// next returns the earliest pending fire time.
func (q *dueQueue) next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].fireAt, true
}

func (q *dueQueue) reset() {
	q.h = q.h[:0]
}

func (q *dueQueue) len() int { return len(q.h) }
