package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eloop/elog"
	"golang.org/x/sys/unix"
)

var loopIDCounter atomic.Uint64

// Loop is a single-goroutine reactor: it polls for readiness, dispatches
// ready channels, then drains tasks queued from other goroutines.
//
// The goroutine that calls [New] owns the loop. Channel, timer and
// connection state belonging to the loop may only be touched there, other
// goroutines marshal work through [Loop.ScheduleNow] or
// [Loop.ScheduleAsync].
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger *elog.Logger
	opts   *loopOptions

	poller      *poller
	timers      *timerWheel
	wakeChannel *Channel

	// reused between iterations
	active []*Channel

	// pending tasks, swapped with pendingBuf on drain
	mu         sync.Mutex
	pending    []func()
	pendingBuf []func()

	metrics loopMetrics

	ownerID       uint64
	id            uint64
	wakeFd        int
	pollTimeoutMs int

	state    loopState
	quit     atomic.Bool
	draining atomic.Bool
}

// New creates a loop owned by the calling goroutine. Failure to create the
// epoll, eventfd or timerfd descriptors is returned as an error.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	p, err := newPoller(cfg.eventBufferSize)
	if err != nil {
		_ = unix.Close(wakeFd)
		return nil, err
	}

	l := &Loop{
		logger:        cfg.logger,
		opts:          cfg,
		poller:        p,
		ownerID:       getGoroutineID(),
		id:            loopIDCounter.Add(1),
		wakeFd:        wakeFd,
		pollTimeoutMs: int((cfg.pollTimeout + time.Millisecond - 1) / time.Millisecond),
	}

	if l.timers, err = newTimerWheel(l); err != nil {
		_ = p.close()
		_ = unix.Close(wakeFd)
		return nil, err
	}

	l.wakeChannel = NewChannel(l, wakeFd)
	l.wakeChannel.SetHandler(HandlerFuncs{Read: l.handleWakeup})

	if err := errors.Join(l.wakeChannel.EnableRead(), l.timers.start()); err != nil {
		_ = unix.Close(l.timers.fd)
		_ = p.close()
		_ = unix.Close(wakeFd)
		return nil, err
	}

	return l, nil
}

// ID returns a process-unique identifier, for logging.
func (l *Loop) ID() uint64 { return l.id }

// Logger returns the loop's logger.
func (l *Loop) Logger() *elog.Logger { return l.logger }

// State returns the current lifecycle state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Run polls and dispatches until [Loop.Quit] is called or ctx is done. It
// must be called on the owner goroutine, and pins it to its OS thread for
// the duration.
//
// Tasks already queued when the quit is observed are run before returning,
// along with any tasks they queue in turn.
// Run returns ctx.Err() if ctx ended the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.IsInLoop() {
		return ErrNotOwner
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer l.state.Store(StateAwake)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Start context watcher goroutine to wake loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Quit()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Trace().Uint64(`loop`, l.id).Log(`eventloop: polling`)

	var err error
	for !l.quit.Load() {
		l.metrics.iterations.Add(1)

		l.active, err = l.poller.poll(l.pollTimeoutMs, l.active[:0])
		if err != nil {
			l.logger.Crit().
				Uint64(`loop`, l.id).
				Err(err).
				Log(`eventloop: poll failed`)
			break
		}

		for _, ch := range l.active {
			// an earlier handler in this batch may have removed it
			if !l.poller.hasChannel(ch) {
				continue
			}
			l.dispatch(ch)
		}
		clear(l.active)

		l.doPendingTasks()
	}

	// tasks run during the drain may queue cleanup of their own
	for l.hasPendingTasks() {
		l.doPendingTasks()
	}
	l.quit.Store(false)

	l.logger.Trace().Uint64(`loop`, l.id).Log(`eventloop: quit`)

	if err != nil {
		return err
	}
	return ctx.Err()
}

// Quit asks the loop to stop after the current iteration. It is safe to call
// from any goroutine, any number of times. A quit requested while the loop is
// not running causes the next Run to return after draining tasks.
func (l *Loop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoop() {
		l.wakeup()
	}
}

// IsInLoop reports whether the caller is the owner goroutine.
func (l *Loop) IsInLoop() bool {
	return getGoroutineID() == l.ownerID
}

// AssertInLoop panics with [ErrNotInLoop] if the caller is not the owner
// goroutine.
func (l *Loop) AssertInLoop() {
	if id := getGoroutineID(); id != l.ownerID {
		l.logger.Alert().
			Uint64(`loop`, l.id).
			Uint64(`owner`, l.ownerID).
			Uint64(`caller`, id).
			Log(`eventloop: loop-confined call from foreign goroutine`)
		panic(fmt.Errorf("%w: loop %d owned by goroutine %d, called from %d", ErrNotInLoop, l.id, l.ownerID, id))
	}
}

// ScheduleNow runs task immediately when called on the owner goroutine, and
// otherwise behaves like [Loop.ScheduleAsync].
func (l *Loop) ScheduleNow(task func()) {
	if l.IsInLoop() {
		task()
	} else {
		l.ScheduleAsync(task)
	}
}

// ScheduleAsync queues task to run on the loop goroutine during a later
// drain, never inline. Tasks queued by one goroutine run in order. Tasks
// queued after [Loop.Close] are dropped.
func (l *Loop) ScheduleAsync(task func()) {
	if task == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Load() == StateTerminated {
		l.logger.Debug().Uint64(`loop`, l.id).Log(`eventloop: task dropped, loop terminated`)
		return
	}

	l.pending = append(l.pending, task)

	// a drain in progress already took its batch, so it needs another
	// iteration to see this one
	if !l.IsInLoop() || l.draining.Load() || l.state.Load() != StateRunning {
		l.wakeupLocked()
	}
}

// RunAt schedules cb at when. The returned handle may be canceled from any
// goroutine.
func (l *Loop) RunAt(when time.Time, cb func()) *Timer {
	return l.addTimer(newTimer(cb, when, 0))
}

// RunAfter schedules cb after d.
func (l *Loop) RunAfter(d time.Duration, cb func()) *Timer {
	return l.RunAt(time.Now().Add(d), cb)
}

// RunEvery schedules cb every interval, starting one interval from now.
// Successive deadlines advance by exactly interval, independent of how long
// the callback takes. It panics if interval is not positive.
func (l *Loop) RunEvery(interval time.Duration, cb func()) *Timer {
	if interval <= 0 {
		panic("eventloop: RunEvery interval must be positive")
	}
	return l.addTimer(newTimer(cb, time.Now().Add(interval), interval))
}

func (l *Loop) addTimer(t *Timer) *Timer {
	l.ScheduleNow(func() {
		l.timers.add(t)
	})
	return t
}

// CancelTimer cancels t. Canceling a timer that already fired, or was
// already canceled, has no effect. A repeating timer canceled from its own
// callback does not fire again.
func (l *Loop) CancelTimer(t *Timer) {
	if t == nil {
		return
	}
	l.ScheduleNow(func() {
		l.timers.cancel(t)
	})
}

// UpdateChannel applies ch's interest set to the poller, registering it on
// first use. Must be called on the owner goroutine.
func (l *Loop) UpdateChannel(ch *Channel) error {
	l.AssertInLoop()
	if ch.loop != l {
		return ErrChannelForeignLoop
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	return l.poller.updateChannel(ch)
}

// RemoveChannel unregisters ch. Must be called on the owner goroutine.
func (l *Loop) RemoveChannel(ch *Channel) error {
	l.AssertInLoop()
	if ch.loop != l {
		return ErrChannelForeignLoop
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	return l.poller.removeChannel(ch)
}

// HasChannel reports whether ch is registered. Must be called on the owner
// goroutine.
func (l *Loop) HasChannel(ch *Channel) bool {
	l.AssertInLoop()
	return l.poller.hasChannel(ch)
}

// Close releases the loop's descriptors. It must be called on the owner
// goroutine while the loop is not running, after every user channel has
// been removed. Queued tasks that never ran are discarded.
func (l *Loop) Close() error {
	l.AssertInLoop()

	switch l.state.Load() {
	case StateRunning:
		return ErrLoopAlreadyRunning
	case StateTerminated:
		return ErrLoopTerminated
	}

	if n := len(l.poller.channels) - 2; n > 0 {
		return fmt.Errorf("%w: %d", ErrChannelsRemain, n)
	}

	err := errors.Join(
		l.wakeChannel.Remove(),
		l.timers.close(),
	)

	l.mu.Lock()
	l.state.Store(StateTerminated)
	dropped := len(l.pending)
	l.pending = nil
	err = errors.Join(err, unix.Close(l.wakeFd))
	l.mu.Unlock()

	err = errors.Join(err, l.poller.close())

	if dropped > 0 {
		l.logger.Debug().
			Uint64(`loop`, l.id).
			Int(`tasks`, dropped).
			Log(`eventloop: discarded pending tasks on close`)
	}

	return err
}

func (l *Loop) dispatch(ch *Channel) {
	defer func() {
		if r := recover(); r != nil {
			l.handlePanic(r)
		}
	}()
	l.metrics.events.Add(1)
	ch.dispatch()
}

func (l *Loop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = l.pendingBuf[:0]
	l.mu.Unlock()

	if len(tasks) == 0 {
		l.pendingBuf = tasks
		return
	}

	l.draining.Store(true)
	for i, task := range tasks {
		l.safeExecute(task)
		tasks[i] = nil
	}
	l.draining.Store(false)

	l.metrics.tasks.Add(uint64(len(tasks)))
	l.pendingBuf = tasks[:0]
}

func (l *Loop) hasPendingTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) != 0
}

// safeExecute runs fn, recovering and reporting any panic.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.handlePanic(r)
		}
	}()
	fn()
}

func (l *Loop) handlePanic(r any) {
	l.metrics.panics.Add(1)
	perr := PanicError{Value: r}
	l.logger.Err().
		Uint64(`loop`, l.id).
		Err(perr).
		Str(`stack`, string(debug.Stack())).
		Log(`eventloop: recovered panic`)
	if h := l.opts.panicHandler; h != nil {
		h(perr)
	}
}

func (l *Loop) handleWakeup() {
	l.metrics.wakeups.Add(1)
	if err := drainWakeFd(l.wakeFd); err != nil {
		l.logger.Err().Err(err).Log(`eventloop: failed to drain wakeup`)
	}
}

func (l *Loop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wakeupLocked()
}

func (l *Loop) wakeupLocked() {
	if l.state.Load() == StateTerminated {
		return
	}
	if err := writeWakeFd(l.wakeFd); err != nil {
		elog.SysErr(l.logger, err, `eventloop: wakeup failed`)
	}
}
