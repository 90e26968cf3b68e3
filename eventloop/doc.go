// Package eventloop implements a single-goroutine reactor over Linux epoll,
// the building block of the tcp package's multi-reactor servers.
//
// # Architecture
//
// A [Loop] owns an epoll instance, an eventfd used to interrupt the wait, a
// timerfd driving its timers, and a mutex-guarded queue of tasks submitted
// from other goroutines. Each iteration polls for readiness, dispatches every
// ready [Channel] to its [Handler], then drains the task queue.
//
// A [Channel] binds one descriptor to an interest set. Polling is
// level-triggered, each dispatch resolves to exactly one of read, write,
// close or error, and readiness left unhandled is reported again on the next
// iteration. A channel may hold its handler weakly via [Tie], so an owner
// that has been released is never called.
//
// # Thread Safety
//
// The goroutine that calls [New] owns the loop:
//   - [Loop.ScheduleNow], [Loop.ScheduleAsync], [Loop.Quit], timer
//     scheduling and cancellation, and [Loop.Metrics] are safe from any
//     goroutine
//   - channel registration and [Loop.Close] are confined to the owner, and
//     panic with [ErrNotInLoop] otherwise
//   - [Loop.Run] must be called by the owner, which it pins to an OS thread
//
// [StartLoopThread] creates a loop on a dedicated goroutine.
//
// # Usage
//
//	t, err := eventloop.StartLoopThread(func(loop *eventloop.Loop) {
//	    loop.RunEvery(time.Second, func() {
//	        loop.Logger().Info().Log(`tick`)
//	    })
//	})
//	if err != nil {
//	    return err
//	}
//	defer t.Stop()
package eventloop
