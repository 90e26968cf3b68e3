package tcp

import (
	"errors"

	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
	"golang.org/x/sys/unix"
)

type connectorState uint8

const (
	connectorIdle connectorState = iota
	connectorConnecting
	connectorConnected
	connectorFailed
	connectorStopped
)

// Connector makes a single nonblocking connect attempt. On success the
// socket is handed to its [NewConnectionCallback], otherwise it is closed
// and the failure reported to its [ErrorCallback].
//
// All methods must be called on the loop goroutine.
type Connector struct {
	loop                  *eventloop.Loop
	logger                *elog.Logger
	channel               *eventloop.Channel
	newConnectionCallback NewConnectionCallback
	errorCallback         ErrorCallback
	server                Addr
	fd                    int
	state                 connectorState
}

// NewConnector returns a connector for server. Nothing happens until
// [Connector.Start].
func NewConnector(loop *eventloop.Loop, server Addr, opts ...Option) (*Connector, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if !server.IsValid() {
		return nil, errors.New("tcp: invalid server address")
	}
	return newConnector(loop, cfg.logger, server), nil
}

func newConnector(loop *eventloop.Loop, logger *elog.Logger, server Addr) *Connector {
	return &Connector{
		loop:   loop,
		logger: logger,
		server: server,
		fd:     -1,
	}
}

func (c *Connector) SetNewConnectionCallback(cb NewConnectionCallback) { c.newConnectionCallback = cb }

func (c *Connector) SetErrorCallback(cb ErrorCallback) { c.errorCallback = cb }

func (c *Connector) ServerAddr() Addr { return c.server }

// Start begins connecting. An attempt that fails immediately is reported
// before Start returns. A connector can only be started once.
func (c *Connector) Start() error {
	c.loop.AssertInLoop()
	if c.state != connectorIdle {
		return ErrConnectorStarted
	}

	fd, err := newStreamSocket(c.server.family())
	if err != nil {
		c.state = connectorFailed
		return err
	}
	c.fd = fd
	c.state = connectorConnecting

	switch err := unix.Connect(fd, c.server.Sockaddr()); err {
	case nil, unix.EISCONN:
		c.complete()
	case unix.EINPROGRESS, unix.EINTR:
		c.channel = eventloop.NewChannel(c.loop, fd)
		c.channel.SetHandler(eventloop.HandlerFuncs{
			Write: c.complete,
			Error: c.complete,
			Close: c.complete,
		})
		if err := c.channel.EnableWrite(); err != nil {
			c.fail(err)
			return err
		}
	default:
		c.fail(err)
	}
	return nil
}

// Stop abandons an attempt in progress. It has no effect once the attempt
// has completed.
func (c *Connector) Stop() {
	c.loop.AssertInLoop()
	switch c.state {
	case connectorIdle:
		c.state = connectorStopped
	case connectorConnecting:
		c.removeChannel()
		c.closeFd()
		c.state = connectorStopped
	}
}

// complete runs once the socket is writable, or failed.
func (c *Connector) complete() {
	if c.state != connectorConnecting {
		return
	}
	c.removeChannel()

	if err := socketError(c.fd); err != nil {
		c.fail(err)
		return
	}
	if isSelfConnect(c.fd) {
		c.fail(ErrSelfConnect)
		return
	}
	local, err := localAddr(c.fd)
	if err != nil {
		c.fail(err)
		return
	}

	fd := c.fd
	c.fd = -1
	c.state = connectorConnected
	c.logger.Debug().
		Str(`server`, c.server.String()).
		Str(`local`, local.String()).
		Log(`tcp: connected`)
	if c.newConnectionCallback == nil {
		_ = unix.Close(fd)
		return
	}
	c.newConnectionCallback(fd, local, c.server)
}

func (c *Connector) fail(err error) {
	c.removeChannel()
	c.closeFd()
	c.state = connectorFailed
	c.logger.Warning().
		Str(`server`, c.server.String()).
		Err(err).
		Log(`tcp: connect failed`)
	if c.errorCallback != nil {
		c.errorCallback(err)
	}
}

func (c *Connector) removeChannel() {
	if c.channel == nil {
		return
	}
	if c.loop.HasChannel(c.channel) {
		if err := c.channel.Remove(); err != nil {
			c.logger.Err().Err(err).Log(`tcp: failed to remove connector channel`)
		}
	}
	c.channel = nil
}

func (c *Connector) closeFd() {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}
