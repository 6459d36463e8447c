package workerpool

import (
	"container/heap"
	"sync/atomic"
	"time"
)

const (
	jobRunning int32 = iota
	jobFinished
	jobInterrupted
)

type job struct {
	task       *Task
	handle     *Handle
	seq        uint64
	enqueuedAt time.Time
	startedAt  time.Time
	index      int
	state      atomic.Int32
}

// taskQueue is a max-heap on priority, FIFO among equal priorities.
type taskQueue []*job

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// best returns the first job in dispatch order that is not in skip.
func (q taskQueue) best(skip map[*job]bool) *job {
	if len(q) == 0 {
		return nil
	}
	if !skip[q[0]] {
		return q[0]
	}
	var out *job
	for _, j := range q {
		if skip[j] {
			continue
		}
		if out == nil || before(j, out) {
			out = j
		}
	}
	return out
}

func (q *taskQueue) remove(j *job) bool {
	if j.index < 0 || j.index >= len(*q) || (*q)[j.index] != j {
		return false
	}
	heap.Remove(q, j.index)
	return true
}

// before reports whether a should be dispatched ahead of b.
func before(a, b *job) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}
