package eventloop

import (
	"sync/atomic"
)

// Metrics is a point-in-time snapshot of a loop's counters.
type Metrics struct {
	// Iterations counts poll/dispatch/drain cycles.
	Iterations uint64
	// Events counts channel dispatches.
	Events uint64
	// Tasks counts queued tasks executed.
	Tasks uint64
	// TimersFired counts timer callbacks executed.
	TimersFired uint64
	// Wakeups counts eventfd wakeups observed.
	Wakeups uint64
	// Panics counts recovered panics.
	Panics uint64
}

type loopMetrics struct {
	iterations  atomic.Uint64
	events      atomic.Uint64
	tasks       atomic.Uint64
	timersFired atomic.Uint64
	wakeups     atomic.Uint64
	panics      atomic.Uint64
}

// Metrics returns a snapshot of the loop's counters. Safe to call from any
// goroutine.
func (l *Loop) Metrics() Metrics {
	return Metrics{
		Iterations:  l.metrics.iterations.Load(),
		Events:      l.metrics.events.Load(),
		Tasks:       l.metrics.tasks.Load(),
		TimersFired: l.metrics.timersFired.Load(),
		Wakeups:     l.metrics.wakeups.Load(),
		Panics:      l.metrics.panics.Load(),
	}
}
