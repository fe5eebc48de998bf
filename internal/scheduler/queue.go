package scheduler

import "time"

// entry is one queued execution of a task. The same task can appear in the
// ready queue more than once over its lifetime (re-arming, retries), each
// time as a fresh entry with a new sequence number.
type entry struct {
	task      *Task
	fireAt    time.Time
	priority  Priority
	seq       uint64
	attempt   int
	cancelled bool
}

// readyQueue is a min-heap ordered by (fireAt, priority, seq). The zero
// fire time sorts before every real instant, so immediate items dispatch
// by (priority, seq) alone. Implements container/heap.Interface; all
// access is serialized by the scheduler mutex.
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.fireAt.Equal(b.fireAt) {
		return a.fireAt.Before(b.fireAt)
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*entry))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
