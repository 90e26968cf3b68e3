//go:build linux

package eventloop

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// minTimerDelay is the shortest timerfd arm, a zero value would disarm it.
const minTimerDelay = time.Millisecond

// timerWheel drives a timerQueue from a timerfd registered on its loop.
type timerWheel struct {
	loop    *Loop
	channel *Channel
	queue   timerQueue
	fd      int
}

func newTimerWheel(loop *Loop) (*timerWheel, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	w := &timerWheel{loop: loop, fd: fd}
	w.channel = NewChannel(loop, fd)
	w.channel.SetHandler(HandlerFuncs{Read: w.handleRead})
	return w, nil
}

// start registers the timerfd channel, on the loop goroutine.
func (w *timerWheel) start() error {
	return w.channel.EnableRead()
}

func (w *timerWheel) add(t *Timer) {
	if w.queue.add(t) {
		w.arm(t.when)
	}
}

func (w *timerWheel) cancel(t *Timer) {
	w.queue.cancel(t)
}

func (w *timerWheel) handleRead() {
	w.drain()
	fired := w.queue.run(time.Now(), w.loop.safeExecute)
	w.loop.metrics.timersFired.Add(uint64(fired))
	if next, ok := w.queue.next(); ok {
		w.arm(next)
	}
}

func (w *timerWheel) drain() {
	var buf [8]byte
	if _, err := unix.Read(w.fd, buf[:]); err != nil && err != unix.EAGAIN {
		w.loop.logger.Err().
			Err(os.NewSyscallError("read", err)).
			Log(`eventloop: timerfd read failed`)
	}
}

func (w *timerWheel) arm(when time.Time) {
	d := max(time.Until(when), minTimerDelay)
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(w.fd, 0, &its, nil); err != nil {
		w.loop.logger.Err().
			Err(os.NewSyscallError("timerfd_settime", err)).
			Log(`eventloop: failed to arm timer`)
	}
}

func (w *timerWheel) close() error {
	if w.loop.poller.hasChannel(w.channel) {
		_ = w.channel.Remove()
	}
	return unix.Close(w.fd)
}
