package eventloop

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// timerSeq orders timers sharing a deadline by creation.
var timerSeq atomic.Uint64

// Timer is a handle to a scheduled callback, returned by [Loop.RunAt] and
// friends. It may be passed to [Loop.CancelTimer] from any goroutine, but its
// state belongs to the loop.
type Timer struct {
	callback func()
	when     time.Time
	interval time.Duration
	seq      uint64
	index    int
	canceled bool
}

func newTimer(callback func(), when time.Time, interval time.Duration) *Timer {
	return &Timer{
		callback: callback,
		when:     when,
		interval: interval,
		seq:      timerSeq.Add(1),
		index:    -1,
	}
}

// Repeat reports whether the timer re-arms after firing.
func (t *Timer) Repeat() bool { return t.interval > 0 }

// timerHeap orders by (when, seq).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue is the ordered set of pending timers. It has no OS interaction,
// see timerWheel for that.
type timerQueue struct {
	heap timerHeap
}

func (q *timerQueue) Len() int { return len(q.heap) }

// add inserts t, reporting whether it became the earliest deadline. A timer
// canceled before insertion is dropped.
func (q *timerQueue) add(t *Timer) bool {
	if t.canceled || t.index >= 0 {
		return false
	}
	heap.Push(&q.heap, t)
	return t.index == 0
}

// cancel marks t canceled and removes it if still pending. A timer currently
// firing stays out of the queue, its flag suppresses the repeat.
func (q *timerQueue) cancel(t *Timer) {
	t.canceled = true
	if t.index >= 0 && t.index < len(q.heap) && q.heap[t.index] == t {
		heap.Remove(&q.heap, t.index)
	}
}

// next returns the earliest pending deadline.
func (q *timerQueue) next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].when, true
}

// expire removes and returns every timer with a deadline at or before now,
// in (when, seq) order.
func (q *timerQueue) expire(now time.Time) []*Timer {
	var expired []*Timer
	for len(q.heap) > 0 && !q.heap[0].when.After(now) {
		expired = append(expired, heap.Pop(&q.heap).(*Timer))
	}
	return expired
}

// run fires everything due at now through exec, re-inserting repeating
// timers at their previous deadline plus interval. It returns the number of
// callbacks fired.
func (q *timerQueue) run(now time.Time, exec func(fn func())) int {
	var fired int
	for _, t := range q.expire(now) {
		if t.canceled {
			continue
		}
		exec(t.callback)
		fired++
		if t.interval > 0 && !t.canceled {
			t.when = t.when.Add(t.interval)
			q.add(t)
		}
	}
	return fired
}
