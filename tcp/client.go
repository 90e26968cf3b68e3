package tcp

import (
	"time"

	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
)

// Client maintains at most one outgoing connection. Until a connection is
// established, a fresh connect attempt is made every retry interval (see
// [WithRetryInterval]). Once the connection goes down, the client stays
// idle until started again.
//
// Other than construction and callback setters (which must precede Start),
// all methods must be called on the loop goroutine.
type Client struct {
	loop          *eventloop.Loop
	logger        *elog.Logger
	server        Addr
	retryInterval time.Duration

	connector  *Connector
	conn       *Conn
	retryTimer *eventloop.Timer

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	errorCallback         ErrorCallback
	highWaterMark         int

	attempts int
}

// NewClient returns an idle client for server.
func NewClient(loop *eventloop.Loop, server Addr, opts ...Option) (*Client, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		loop:               loop,
		logger:             cfg.logger,
		server:             server,
		retryInterval:      cfg.retryInterval,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
	}, nil
}

func (c *Client) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

func (c *Client) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

func (c *Client) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

func (c *Client) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetErrorCallback sets cb to receive each failed connect attempt.
func (c *Client) SetErrorCallback(cb ErrorCallback) { c.errorCallback = cb }

func (c *Client) Loop() *eventloop.Loop { return c.loop }

func (c *Client) ServerAddr() Addr { return c.server }

// Conn returns the current connection, or nil.
func (c *Client) Conn() *Conn {
	c.loop.AssertInLoop()
	return c.conn
}

func (c *Client) Connected() bool {
	c.loop.AssertInLoop()
	return c.conn != nil
}

// Start begins connecting. It has no effect while already connecting or
// connected.
func (c *Client) Start() {
	c.loop.AssertInLoop()
	if c.conn != nil || c.retryTimer != nil {
		return
	}
	c.attempts = 0
	c.connect()
	if c.conn == nil {
		c.retryTimer = c.loop.RunEvery(c.retryInterval, c.retry)
	}
}

// Disconnect half-closes the current connection, see [Conn.Shutdown].
func (c *Client) Disconnect() {
	c.loop.AssertInLoop()
	if c.conn != nil {
		c.conn.Shutdown()
	}
}

// Stop abandons any connect attempt, and force closes the current
// connection, which is reported as down from a later loop iteration.
func (c *Client) Stop() {
	c.loop.AssertInLoop()
	c.stopRetry()
	if c.connector != nil {
		c.connector.Stop()
		c.connector = nil
	}
	if conn := c.conn; conn != nil {
		c.conn = nil
		conn.ForceClose()
	}
}

func (c *Client) connect() {
	c.attempts++
	connector := newConnector(c.loop, c.logger, c.server)
	connector.SetNewConnectionCallback(c.newConnection)
	connector.SetErrorCallback(c.errorCallback)
	c.connector = connector
	if err := connector.Start(); err != nil {
		c.logger.Err().
			Str(`server`, c.server.String()).
			Err(err).
			Log(`tcp: failed to start connecting`)
	}
}

func (c *Client) retry() {
	if c.conn != nil {
		return
	}
	c.logger.Warning().
		Str(`server`, c.server.String()).
		Int(`attempt`, c.attempts+1).
		Log(`tcp: retrying connection`)
	if c.connector != nil {
		c.connector.Stop()
	}
	c.connect()
}

func (c *Client) stopRetry() {
	if c.retryTimer != nil {
		c.loop.CancelTimer(c.retryTimer)
		c.retryTimer = nil
	}
}

func (c *Client) newConnection(fd int, local, peer Addr) {
	c.stopRetry()
	c.connector = nil

	conn := newConn(c.loop, c.logger, fd, local, peer)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(c.highWaterMarkCallback, c.highWaterMark)
	conn.SetCloseCallback(c.closeConnection)

	if err := conn.ConnectEstablished(); err != nil {
		c.logger.Err().Err(err).Log(`tcp: failed to establish connection`)
		conn.ConnectDestroyed()
		c.retryTimer = c.loop.RunEvery(c.retryInterval, c.retry)
		return
	}
	c.conn = conn
	if c.connectionCallback != nil {
		c.connectionCallback(conn)
	}
}

func (c *Client) closeConnection(conn *Conn) {
	c.loop.AssertInLoop()
	if c.conn == conn {
		c.conn = nil
	}
	if c.connectionCallback != nil {
		c.connectionCallback(conn)
	}
	c.loop.ScheduleAsync(conn.ConnectDestroyed)
}
