package eventloop

import (
	"io"
	"testing"
	"time"
)

func TestStartLoopThread(t *testing.T) {
	if _, err := StartLoopThread(nil, WithPollTimeout(-1)); err == nil {
		t.Fatal("expected option error")
	}

	var initOnLoop bool
	lt, err := StartLoopThread(func(loop *Loop) {
		initOnLoop = loop.IsInLoop()
	}, WithLogger(testLogger(io.Discard)))
	if err != nil {
		t.Fatal("StartLoopThread failed:", err)
	}
	if !initOnLoop {
		t.Error("init did not run on the loop goroutine")
	}
	if lt.Loop().IsInLoop() {
		t.Error("caller reported as loop goroutine")
	}

	fired := make(chan struct{})
	lt.Loop().RunAfter(time.Millisecond, func() { close(fired) })
	<-fired

	if err := lt.Stop(); err != nil {
		t.Fatal("Stop failed:", err)
	}
	select {
	case <-lt.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if got := lt.Loop().State(); got != StateTerminated {
		t.Errorf("state = %v, want Terminated", got)
	}
}
