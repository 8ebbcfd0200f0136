package transfer

import (
	"container/heap"
	"time"
)

// Priority is a transfer class.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// classOrder lists classes from most to least urgent.
var classOrder = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityBackground,
}

var classRank = map[Priority]int{
	PriorityCritical:   0,
	PriorityHigh:       1,
	PriorityMedium:     2,
	PriorityLow:        3,
	PriorityBackground: 4,
}

// ValidPriority reports whether p is a known transfer class.
func ValidPriority(p Priority) bool {
	_, ok := classRank[p]
	return ok
}

// Request is one queued transmission.
type Request struct {
	ID          string
	PeerID      string
	Priority    Priority
	Payload     []byte
	Metadata    map[string]interface{}
	SubmittedAt time.Time
	Deadline    time.Time
	RetryCount  int
	MaxRetries  int
	Callback    func(Outcome)
}

// requestHeap orders requests by (class rank, submission time) so the oldest
// request of a class sits at the root.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	ri, rj := classRank[h[i].Priority], classRank[h[j].Priority]
	if ri != rj {
		return ri < rj
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// classQueue is one bounded priority queue.
type classQueue struct {
	items requestHeap
	cap   int
}

func newClassQueue(capacity int) *classQueue {
	q := &classQueue{cap: capacity}
	heap.Init(&q.items)
	return q
}

func (q *classQueue) len() int { return q.items.Len() }

func (q *classQueue) full() bool { return q.cap > 0 && q.items.Len() >= q.cap }

func (q *classQueue) push(req *Request) {
	heap.Push(&q.items, req)
}

// pop removes and returns the oldest request, or nil when empty.
func (q *classQueue) pop() *Request {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Request)
}

// remove deletes a request by id, reporting whether it was present.
func (q *classQueue) remove(id string) *Request {
	for i, req := range q.items {
		if req.ID == id {
			removed := heap.Remove(&q.items, i).(*Request)
			return removed
		}
	}
	return nil
}
