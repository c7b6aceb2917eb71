package jobmanager

import (
	"container/heap"
	"time"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// queueItem 佇列中的一筆待處理任務
type queueItem struct {
	runID       types.RunID
	priority    int
	submittedAt time.Time
	seq         uint64 // submission order, breaks submittedAt ties
	index       int    // heap position, maintained by Swap
}

// jobQueue orders queued jobs by (priority desc, submittedAt asc, seq asc).
// It implements heap.Interface; use the push/pop/remove helpers.
type jobQueue []*queueItem

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.seq < b.seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *jobQueue) push(item *queueItem) {
	heap.Push(q, item)
}

func (q *jobQueue) pop() *queueItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem)
}

func (q *jobQueue) remove(item *queueItem) {
	if item.index < 0 || item.index >= q.Len() || (*q)[item.index] != item {
		return
	}
	heap.Remove(q, item.index)
}
