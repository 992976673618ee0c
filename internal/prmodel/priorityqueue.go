package prmodel

import "container/heap"

// PriorityQueue is a min-heap over PrioritisedRequest, ordered first by
// Priority then by insertion order (a stable, deterministic tiebreak).
// Push is idempotent: pushing an already-present (priority, request)
// pair is a no-op, preserving invariant 1 of spec.md §8 ("H contains
// exactly one occurrence of p").
//
// PriorityQueue is not safe for concurrent use; per spec.md §3 it is
// owned by exactly one worker (the PR-builder parent).
type PriorityQueue struct {
	items  pqHeap
	seqNum uint64
}

// NewPriorityQueue returns an empty priority queue ready for use.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

type pqEntry struct {
	PrioritisedRequest
	seq uint64
}

type pqHeap []pqEntry

func (h pqHeap) Len() int { return len(h) }
func (h pqHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pqHeap) Push(x any)   { *h = append(*h, x.(pqEntry)) }
func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Push inserts pr unless an equal (priority, request) pair is already
// present, in which case it is a no-op.
func (q *PriorityQueue) Push(pr PrioritisedRequest) {
	for _, e := range q.items {
		if e.Equal(pr) {
			return
		}
	}
	q.seqNum++
	heap.Push(&q.items, pqEntry{PrioritisedRequest: pr, seq: q.seqNum})
}

// Pop removes and returns the minimum-priority element. ok is false
// when the queue is empty.
func (q *PriorityQueue) Pop() (pr PrioritisedRequest, ok bool) {
	if q.items.Len() == 0 {
		return PrioritisedRequest{}, false
	}
	e := heap.Pop(&q.items).(pqEntry)
	return e.PrioritisedRequest, true
}

// Peek returns the minimum-priority element without removing it. ok is
// false when the queue is empty.
func (q *PriorityQueue) Peek() (pr PrioritisedRequest, ok bool) {
	if q.items.Len() == 0 {
		return PrioritisedRequest{}, false
	}
	return q.items[0].PrioritisedRequest, true
}

// Len returns the number of elements currently queued.
func (q *PriorityQueue) Len() int {
	return q.items.Len()
}
