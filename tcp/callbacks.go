package tcp

import (
	"github.com/joeycumines/go-eloop/buffer"
)

type (
	// ConnectionCallback is called when a connection comes up, and again
	// when it goes down. Use [Conn.Connected] to tell which.
	ConnectionCallback func(conn *Conn)

	// MessageCallback is called with the input buffer after a read. Bytes
	// left in buf are kept for the next call.
	MessageCallback func(conn *Conn, buf *buffer.Buffer)

	// WriteCompleteCallback is called once the output buffer drains.
	WriteCompleteCallback func(conn *Conn)

	// HighWaterMarkCallback is called when the output buffer grows across
	// the configured mark, with the new buffered size.
	HighWaterMarkCallback func(conn *Conn, size int)

	// CloseCallback is installed by the owner of a connection, to release
	// it.
	CloseCallback func(conn *Conn)

	// NewConnectionCallback receives a connected, nonblocking socket, which
	// it then owns.
	NewConnectionCallback func(fd int, local, peer Addr)

	// ErrorCallback receives connect failures.
	ErrorCallback func(err error)

	// ThreadInitCallback is called on each server thread's loop goroutine
	// before that thread accepts, with the thread index.
	ThreadInitCallback func(index int)
)

// DefaultConnectionCallback logs the connection coming up or going down.
func DefaultConnectionCallback(conn *Conn) {
	state := `down`
	if conn.Connected() {
		state = `up`
	}
	conn.logger.Info().
		Str(`peer`, conn.peer.String()).
		Str(`local`, conn.local.String()).
		Str(`state`, state).
		Log(`tcp: connection ` + state)
}

// DefaultMessageCallback discards everything read.
func DefaultMessageCallback(conn *Conn, buf *buffer.Buffer) {
	conn.logger.Trace().
		Int(`bytes`, buf.ReadableBytes()).
		Log(`tcp: discarding input`)
	buf.RetrieveAll()
}
