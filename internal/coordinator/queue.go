package coordinator

import (
	"container/heap"
	"time"
)

// queueItem is a pending-task reference with its immutable ordering key. The
// task itself stays in the registry; entries for tasks that were cancelled
// while queued fall out lazily at pop time.
type queueItem struct {
	id        string
	priority  int
	createdAt time.Time
}

type taskHeap []queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// taskQueue orders pending tasks by (priority desc, created_at asc). It is
// owned by the match loop goroutine exclusively and needs no lock. A task
// that cannot be matched is pushed back; the key is immutable, so it returns
// to its logical position rather than the tail.
type taskQueue struct {
	items taskHeap
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{items: taskHeap{}}
	heap.Init(&q.items)
	return q
}

func (q *taskQueue) push(item queueItem) {
	heap.Push(&q.items, item)
}

func (q *taskQueue) pop() (queueItem, bool) {
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	return heap.Pop(&q.items).(queueItem), true
}

func (q *taskQueue) len() int {
	return len(q.items)
}
