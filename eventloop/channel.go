package eventloop

import (
	"runtime"
	"weak"
)

// Ready identifies which callback a single dispatch resolved to.
type Ready uint8

const (
	// ReadyRead is dispatched for readable, priority or read-hangup readiness.
	ReadyRead Ready = iota + 1
	// ReadyWrite is dispatched for writable readiness.
	ReadyWrite
	// ReadyClose is dispatched when the peer hung up and nothing remains to read.
	ReadyClose
	// ReadyError is dispatched for an error condition.
	ReadyError
)

func (r Ready) String() string {
	switch r {
	case ReadyRead:
		return "Read"
	case ReadyWrite:
		return "Write"
	case ReadyClose:
		return "Close"
	case ReadyError:
		return "Error"
	default:
		return "None"
	}
}

// Handler receives the readiness dispatched for a [Channel].
type Handler interface {
	HandleReady(ready Ready)
}

// HandlerFuncs adapts a set of optional functions to [Handler]. A nil field
// ignores that kind of readiness.
type HandlerFuncs struct {
	Read  func()
	Write func()
	Close func()
	Error func()
}

func (h HandlerFuncs) HandleReady(ready Ready) {
	var fn func()
	switch ready {
	case ReadyRead:
		fn = h.Read
	case ReadyWrite:
		fn = h.Write
	case ReadyClose:
		fn = h.Close
	case ReadyError:
		fn = h.Error
	}
	if fn != nil {
		fn()
	}
}

// Channel binds one file descriptor to its interest set and its [Handler],
// within a single [Loop]. The channel never closes the descriptor.
//
// All methods except Fd must be called on the loop goroutine.
type Channel struct {
	loop    *Loop
	handler Handler
	// tie resolves a weakly held handler, see Tie
	tie     func() Handler
	fd      int
	index   int
	events  IOEvents
	revents IOEvents
}

// NewChannel returns an unregistered channel for fd. It is registered with
// the loop's poller on the first interest change.
func NewChannel(loop *Loop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd}
}

// SetHandler sets a strongly held handler, replacing any tie.
func (c *Channel) SetHandler(h Handler) {
	c.handler = h
	c.tie = nil
}

// Tie makes owner the channel's handler, held only through a weak reference.
// Each dispatch resolves the reference to a strong one for its duration, and
// is skipped once owner has been reclaimed.
func Tie[T any, H interface {
	*T
	Handler
}](c *Channel, owner H) {
	wp := weak.Make((*T)(owner))
	c.handler = nil
	c.tie = func() Handler {
		if p := wp.Value(); p != nil {
			return H(p)
		}
		return nil
	}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) Loop() *Loop { return c.loop }

// Events returns the interest set.
func (c *Channel) Events() IOEvents { return c.events }

// Revents returns the readiness observed by the most recent poll.
func (c *Channel) Revents() IOEvents { return c.revents }

func (c *Channel) IsNoneEvent() bool { return c.events == 0 }

func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

func (c *Channel) EnableRead() error {
	c.events |= readInterest
	return c.update()
}

func (c *Channel) DisableRead() error {
	c.events &^= readInterest
	return c.update()
}

func (c *Channel) EnableWrite() error {
	c.events |= EventWrite
	return c.update()
}

func (c *Channel) DisableWrite() error {
	c.events &^= EventWrite
	return c.update()
}

func (c *Channel) DisableAll() error {
	c.events = 0
	return c.update()
}

// Remove disables all interest and detaches the channel from its loop.
func (c *Channel) Remove() error {
	c.events = 0
	return c.loop.RemoveChannel(c)
}

func (c *Channel) update() error {
	return c.loop.UpdateChannel(c)
}

// dispatch runs at most one handler callback for the observed readiness,
// with the priority close, error, read, write. Level-triggered polling
// reports whatever remains on the next iteration.
func (c *Channel) dispatch() {
	h := c.handler
	if c.tie != nil {
		h = c.tie()
		if h == nil {
			return
		}
		defer runtime.KeepAlive(h)
	}
	if h == nil {
		return
	}
	if ready := classify(c.revents); ready != 0 {
		h.HandleReady(ready)
	}
}

func classify(revents IOEvents) Ready {
	switch {
	case revents&EventHangup != 0 && revents&EventRead == 0:
		return ReadyClose
	case revents&EventError != 0:
		return ReadyError
	case revents&readInterest != 0:
		return ReadyRead
	case revents&EventWrite != 0:
		return ReadyWrite
	default:
		return 0
	}
}
