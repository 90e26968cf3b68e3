package eventloop

import (
	"context"
)

// LoopThread runs a [Loop] on a dedicated goroutine that constructs, runs,
// and finally closes it.
type LoopThread struct {
	loop *Loop
	done chan struct{}
	err  error
}

// StartLoopThread starts a goroutine that creates a loop with opts, calls
// init on it (on the loop goroutine, before polling starts), then runs it
// until [LoopThread.Stop]. It returns once the loop exists.
//
// Anything init registers must be removed before the loop stops, typically
// by a task scheduled ahead of Stop, or closing the loop fails and is logged.
func StartLoopThread(init func(loop *Loop), opts ...LoopOption) (*LoopThread, error) {
	t := &LoopThread{done: make(chan struct{})}
	ready := make(chan error, 1)

	go func() {
		defer close(t.done)

		loop, err := New(opts...)
		if err != nil {
			ready <- err
			return
		}
		if init != nil {
			init(loop)
		}
		t.loop = loop
		ready <- nil

		t.err = loop.Run(context.Background())

		if err := loop.Close(); err != nil {
			loop.logger.Err().
				Uint64(`loop`, loop.id).
				Err(err).
				Log(`eventloop: failed to close loop thread`)
		}
	}()

	if err := <-ready; err != nil {
		<-t.done
		return nil, err
	}
	return t, nil
}

// Loop returns the thread's loop.
func (t *LoopThread) Loop() *Loop { return t.loop }

// Done is closed after the loop has stopped and been closed.
func (t *LoopThread) Done() <-chan struct{} { return t.done }

// Stop quits the loop and waits for the goroutine to exit, returning the
// error from Run.
func (t *LoopThread) Stop() error {
	t.loop.Quit()
	<-t.done
	return t.err
}
