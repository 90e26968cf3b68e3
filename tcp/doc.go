// Package tcp provides TCP servers, clients, and connections driven by
// [eventloop.Loop].
//
// A [Conn] is bound to the loop that created it, and every callback it makes
// runs on that loop's goroutine. Writing never blocks: what the socket will
// not take is buffered, and flushed as the socket becomes writable. Use the
// high-water-mark callback with [Conn.StopRead] to apply backpressure.
//
// [ServerSingle] accepts and serves on one loop. [Server] runs several,
// each with its own listener on the same port (SO_REUSEPORT), so the kernel
// balances new connections over its threads. [Client] connects out,
// retrying periodically until it succeeds.
//
// Listening sockets that cannot be set up are reported as errors. An
// accept failure that is neither transient nor a descriptor shortage is
// fatal, and ends the process via [elog.ExitFunc].
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    return err
//	}
//	srv, err := tcp.NewServer(loop, tcp.NewAddr(9000, false), tcp.WithThreads(4))
//	if err != nil {
//	    return err
//	}
//	srv.SetMessageCallback(func(conn *tcp.Conn, buf *buffer.Buffer) {
//	    conn.SendBuffer(buf)
//	})
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	return loop.Run(ctx)
package tcp
