package eventloop_test

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-eloop/eventloop"
)

// ExampleStartLoopThread runs a loop on its own goroutine, hands it work
// from outside, and stops it.
func ExampleStartLoopThread() {
	lt, err := eventloop.StartLoopThread(nil)
	if err != nil {
		fmt.Println("start failed:", err)
		return
	}

	done := make(chan struct{})
	loop := lt.Loop()
	loop.ScheduleAsync(func() {
		fmt.Println("task on loop:", loop.IsInLoop())
	})
	loop.RunAfter(10*time.Millisecond, func() {
		fmt.Println("timer fired")
		close(done)
	})
	<-done

	if err := lt.Stop(); err != nil {
		fmt.Println("stop failed:", err)
	}

	// Output:
	// task on loop: true
	// timer fired
}

// ExampleLoop_RunEvery cancels a repeating timer from its own callback.
func ExampleLoop_RunEvery() {
	lt, err := eventloop.StartLoopThread(nil)
	if err != nil {
		fmt.Println("start failed:", err)
		return
	}
	defer lt.Stop()

	loop := lt.Loop()
	done := make(chan struct{})
	var (
		ticks int
		timer *eventloop.Timer
	)
	loop.ScheduleAsync(func() {
		timer = loop.RunEvery(5*time.Millisecond, func() {
			ticks++
			fmt.Println("tick", ticks)
			if ticks == 3 {
				loop.CancelTimer(timer)
				close(done)
			}
		})
	})
	<-done

	// Output:
	// tick 1
	// tick 2
	// tick 3
}
