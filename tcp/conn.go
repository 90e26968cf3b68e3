package tcp

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-eloop/buffer"
	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
	"golang.org/x/sys/unix"
)

// ConnState is the lifecycle state of a [Conn].
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Conn is an established TCP connection, bound to one loop for its
// lifetime. It exclusively owns its socket, which is closed exactly once, by
// [Conn.ConnectDestroyed].
//
// Send, Shutdown, ForceClose, StartRead, StopRead, and the accessors are
// safe from any goroutine. Callbacks run on the loop goroutine. Callback
// setters must be called before [Conn.ConnectEstablished].
type Conn struct {
	loop    *eventloop.Loop
	logger  *elog.Logger
	channel *eventloop.Channel
	input   *buffer.Buffer
	output  *buffer.Buffer

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	context atomic.Pointer[any]

	name          string
	local         Addr
	peer          Addr
	highWaterMark int
	fd            int

	state     atomic.Int32
	closeOnce sync.Once
}

// NewConn wraps a connected, nonblocking socket, taking ownership of it.
// The connection starts in [StateConnecting], and serves nothing until
// [Conn.ConnectEstablished].
func NewConn(loop *eventloop.Loop, fd int, local, peer Addr, opts ...Option) (*Conn, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newConn(loop, cfg.logger, fd, local, peer), nil
}

func newConn(loop *eventloop.Loop, logger *elog.Logger, fd int, local, peer Addr) *Conn {
	name := peer.String() + "->" + local.String()
	c := &Conn{
		loop:               loop,
		logger:             logger.Clone().Str(`conn`, name).Logger(),
		channel:            eventloop.NewChannel(loop, fd),
		input:              buffer.New(),
		output:             buffer.New(),
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		name:               name,
		local:              local,
		peer:               peer,
		fd:                 fd,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) Loop() *eventloop.Loop { return c.loop }

func (c *Conn) LocalAddr() Addr { return c.local }

func (c *Conn) PeerAddr() Addr { return c.peer }

func (c *Conn) Fd() int { return c.fd }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) Connected() bool { return c.State() == StateConnected }

func (c *Conn) Disconnected() bool { return c.State() == StateDisconnected }

// Context returns the value stored by [Conn.SetContext].
func (c *Conn) Context() any {
	if p := c.context.Load(); p != nil {
		return *p
	}
	return nil
}

// SetContext stores an arbitrary value with the connection.
func (c *Conn) SetContext(v any) { c.context.Store(&v) }

// InputBuffer is only safe to use on the loop goroutine.
func (c *Conn) InputBuffer() *buffer.Buffer { return c.input }

// OutputBuffer is only safe to use on the loop goroutine.
func (c *Conn) OutputBuffer() *buffer.Buffer { return c.output }

func (c *Conn) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

func (c *Conn) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

func (c *Conn) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback sets cb to be called each time the buffered
// output grows from below mark to mark or more. A mark of zero disables it.
func (c *Conn) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = max(mark, 0)
}

func (c *Conn) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetTCPNoDelay toggles TCP_NODELAY.
func (c *Conn) SetTCPNoDelay(on bool) error {
	return setBoolSockopt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (c *Conn) SetKeepAlive(on bool) error {
	return setBoolSockopt(c.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

// Send writes p, or buffers what cannot be written yet. Called off the loop
// goroutine, p is copied and the write is queued behind previously queued
// sends. Sends are dropped unless the connection is connected.
func (c *Conn) Send(p []byte) {
	if !c.acceptSend() {
		return
	}
	if c.loop.IsInLoop() {
		c.sendInLoop(p)
		return
	}
	data := slices.Clone(p)
	c.loop.ScheduleAsync(func() { c.sendInLoop(data) })
}

func (c *Conn) SendString(s string) {
	if !c.acceptSend() {
		return
	}
	if c.loop.IsInLoop() {
		c.sendInLoop([]byte(s))
		return
	}
	c.loop.ScheduleAsync(func() { c.sendInLoop([]byte(s)) })
}

// SendBuffer sends and consumes the readable bytes of buf.
func (c *Conn) SendBuffer(buf *buffer.Buffer) {
	if !c.acceptSend() {
		return
	}
	if c.loop.IsInLoop() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	data := buf.RetrieveAllAsBytes()
	c.loop.ScheduleAsync(func() { c.sendInLoop(data) })
}

func (c *Conn) acceptSend() bool {
	if c.State() == StateConnected {
		return true
	}
	c.logger.Warning().
		Stringer(`state`, c.State()).
		Log(`tcp: send on unconnected connection dropped`)
	return false
}

func (c *Conn) sendInLoop(p []byte) {
	c.loop.AssertInLoop()

	if c.State() == StateDisconnected {
		c.logger.Warning().Log(`tcp: disconnected, giving up writing`)
		return
	}

	var written int
	remaining := len(p)
	fault := false

	// write directly only when it cannot overtake buffered output
	if !c.channel.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := writeSocket(c.fd, p)
		switch {
		case err == nil:
			written = n
			remaining -= n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.ScheduleAsync(func() { c.writeCompleteCallback(c) })
			}
		case err == unix.EAGAIN:
		default:
			elog.SysErr(c.logger, err, `tcp: write failed`)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				fault = true
			}
		}
	}

	if fault || remaining == 0 {
		return
	}

	buffered := c.output.ReadableBytes()
	if mark := c.highWaterMark; mark > 0 && buffered < mark && buffered+remaining >= mark && c.highWaterMarkCallback != nil {
		size := buffered + remaining
		c.loop.ScheduleAsync(func() { c.highWaterMarkCallback(c, size) })
	}
	c.output.Append(p[written:])
	if !c.channel.IsWriting() {
		if err := c.channel.EnableWrite(); err != nil {
			c.logger.Err().Err(err).Log(`tcp: failed to enable writing`)
		}
	}
}

// Shutdown half-closes the connection once buffered output has been
// written. Reading continues until the peer closes.
func (c *Conn) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.ScheduleNow(c.shutdownInLoop)
	}
}

func (c *Conn) shutdownInLoop() {
	c.loop.AssertInLoop()
	if c.State() == StateDisconnected || c.channel.IsWriting() {
		return
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		elog.SysErr(c.logger, err, `tcp: shutdown failed`)
	}
}

// ForceClose closes the connection on the loop goroutine, discarding any
// buffered output.
func (c *Conn) ForceClose() {
	for {
		s := c.State()
		if s != StateConnected && s != StateDisconnecting {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateDisconnecting)) {
			break
		}
	}
	c.loop.ScheduleAsync(c.forceCloseInLoop)
}

func (c *Conn) forceCloseInLoop() {
	c.loop.AssertInLoop()
	if c.State() != StateDisconnected {
		c.handleClose()
	}
}

// StartRead resumes reading, see [Conn.StopRead].
func (c *Conn) StartRead() {
	c.loop.ScheduleNow(func() {
		if c.State() != StateDisconnected && !c.channel.IsReading() {
			if err := c.channel.EnableRead(); err != nil {
				c.logger.Err().Err(err).Log(`tcp: failed to start reading`)
			}
		}
	})
}

// StopRead suspends reading, leaving input to accumulate in the kernel.
func (c *Conn) StopRead() {
	c.loop.ScheduleNow(func() {
		if c.State() != StateDisconnected && c.channel.IsReading() {
			if err := c.channel.DisableRead(); err != nil {
				c.logger.Err().Err(err).Log(`tcp: failed to stop reading`)
			}
		}
	})
}

// ConnectEstablished moves a connecting connection to connected, and
// begins reading. The loop holds the connection only weakly, so the caller
// must keep it reachable until its close callback.
func (c *Conn) ConnectEstablished() error {
	c.loop.AssertInLoop()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return fmt.Errorf("%w: %s is %s", ErrNotConnecting, c.name, c.State())
	}
	eventloop.Tie(c.channel, c)
	if err := c.channel.EnableRead(); err != nil {
		c.state.Store(int32(StateConnecting))
		return err
	}
	return nil
}

// ConnectDestroyed releases the socket. A connection still open is first
// torn down, reporting the disconnect to the connection callback. It is the
// final call an owner makes, and is safe to repeat.
func (c *Conn) ConnectDestroyed() {
	c.loop.AssertInLoop()
	for {
		s := c.State()
		if s == StateDisconnected {
			break
		}
		if c.state.CompareAndSwap(int32(s), int32(StateDisconnected)) {
			c.removeChannel()
			if s != StateConnecting && c.connectionCallback != nil {
				c.connectionCallback(c)
			}
			break
		}
	}
	c.closeOnce.Do(func() {
		if err := unix.Close(c.fd); err != nil {
			elog.SysErr(c.logger, err, `tcp: close failed`)
		}
	})
}

// HandleReady implements [eventloop.Handler].
func (c *Conn) HandleReady(ready eventloop.Ready) {
	switch ready {
	case eventloop.ReadyRead:
		c.handleRead()
	case eventloop.ReadyWrite:
		c.handleWrite()
	case eventloop.ReadyClose:
		c.handleClose()
	case eventloop.ReadyError:
		c.handleError(nil)
	}
}

func (c *Conn) handleRead() {
	n, err := c.input.ReadFD(c.fd)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
	case err != nil:
		c.handleError(err)
	case n == 0:
		c.handleClose()
	default:
		if c.messageCallback != nil {
			c.messageCallback(c, c.input)
		}
	}
}

func (c *Conn) handleWrite() {
	if !c.channel.IsWriting() {
		c.logger.Trace().Log(`tcp: connection is down, no more writing`)
		return
	}
	n, err := writeSocket(c.fd, c.output.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			c.handleError(err)
		}
		return
	}
	c.output.Retrieve(n)
	if c.output.ReadableBytes() != 0 {
		return
	}
	if err := c.channel.DisableWrite(); err != nil {
		c.logger.Err().Err(err).Log(`tcp: failed to disable writing`)
	}
	if c.writeCompleteCallback != nil {
		c.loop.ScheduleAsync(func() { c.writeCompleteCallback(c) })
	}
	if c.State() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

func (c *Conn) handleClose() {
	c.loop.AssertInLoop()
	for {
		s := c.State()
		if s == StateDisconnected {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateDisconnected)) {
			break
		}
	}

	c.logger.Trace().Log(`tcp: connection closing`)
	c.removeChannel()

	if c.closeCallback != nil {
		c.closeCallback(c)
		return
	}
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	c.loop.ScheduleAsync(c.ConnectDestroyed)
}

// handleError reports err, or the pending socket error if nil, then closes
// the connection.
func (c *Conn) handleError(err error) {
	if err == nil {
		err = socketError(c.fd)
	}
	if err != nil {
		elog.SysErr(c.logger, err, `tcp: connection error`)
	}
	c.handleClose()
}

func (c *Conn) removeChannel() {
	if !c.loop.HasChannel(c.channel) {
		return
	}
	if err := c.channel.Remove(); err != nil {
		c.logger.Err().Err(err).Log(`tcp: failed to remove channel`)
	}
}
