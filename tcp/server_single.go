package tcp

import (
	"errors"

	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
)

// ServerSingle serves connections accepted on one loop, owning each until
// it closes.
//
// Other than construction and callback setters (which must precede Start),
// all methods must be called on the loop goroutine.
type ServerSingle struct {
	loop        *eventloop.Loop
	logger      *elog.Logger
	acceptor    *Acceptor
	connections map[*Conn]struct{}

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int

	started bool
	closed  bool
}

// NewServerSingle binds a listening socket for local on loop.
func NewServerSingle(loop *eventloop.Loop, local Addr, opts ...Option) (*ServerSingle, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newServerSingle(loop, local, cfg)
}

func newServerSingle(loop *eventloop.Loop, local Addr, cfg *options) (*ServerSingle, error) {
	acceptor, err := newAcceptor(loop, local, cfg)
	if err != nil {
		return nil, err
	}
	s := &ServerSingle{
		loop:               loop,
		logger:             cfg.logger,
		acceptor:           acceptor,
		connections:        make(map[*Conn]struct{}),
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *ServerSingle) Loop() *eventloop.Loop { return s.loop }

// Addr returns the bound address.
func (s *ServerSingle) Addr() Addr { return s.acceptor.Addr() }

func (s *ServerSingle) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

func (s *ServerSingle) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

func (s *ServerSingle) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback applies to every connection, see
// [Conn.SetHighWaterMarkCallback].
func (s *ServerSingle) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// Start begins accepting.
func (s *ServerSingle) Start() error {
	s.loop.AssertInLoop()
	if s.closed {
		return errors.New("tcp: server closed")
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.acceptor.Listen(); err != nil {
		return err
	}
	s.started = true
	return nil
}

// NumConnections returns the number of open connections.
func (s *ServerSingle) NumConnections() int {
	s.loop.AssertInLoop()
	return len(s.connections)
}

// Close stops accepting and destroys every open connection, reporting each
// as down to the connection callback.
func (s *ServerSingle) Close() error {
	s.loop.AssertInLoop()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.acceptor.Close()
	for conn := range s.connections {
		delete(s.connections, conn)
		conn.ConnectDestroyed()
	}
	return err
}

func (s *ServerSingle) newConnection(fd int, local, peer Addr) {
	conn := newConn(s.loop, s.logger, fd, local, peer)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.SetCloseCallback(s.closeConnection)

	if err := conn.ConnectEstablished(); err != nil {
		s.logger.Err().Err(err).Str(`peer`, peer.String()).Log(`tcp: failed to establish connection`)
		conn.ConnectDestroyed()
		return
	}
	s.connections[conn] = struct{}{}
	if s.connectionCallback != nil {
		s.connectionCallback(conn)
	}
}

func (s *ServerSingle) closeConnection(conn *Conn) {
	s.loop.AssertInLoop()
	delete(s.connections, conn)
	if s.connectionCallback != nil {
		s.connectionCallback(conn)
	}
	s.loop.ScheduleAsync(conn.ConnectDestroyed)
}
