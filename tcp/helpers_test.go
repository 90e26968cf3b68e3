package tcp

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-eloop/buffer"
	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func testLogger() *elog.Logger {
	return elog.New(elog.WithOutput(io.Discard))
}

func jsonLogger(w io.Writer) *elog.Logger {
	return elog.New(
		elog.WithOutput(w),
		elog.WithFormatter(&logrus.JSONFormatter{DisableTimestamp: true}),
		elog.WithLevel(logiface.LevelDebug),
	)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) count(substr string) int {
	return strings.Count(b.String(), substr)
}

// startLoop runs a loop on its own goroutine until the test ends. Cleanups
// registered after this one run first, so can still use the loop.
func startLoop(t *testing.T, init func(loop *eventloop.Loop)) *eventloop.Loop {
	t.Helper()
	thread, err := eventloop.StartLoopThread(init, eventloop.WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := thread.Stop(); err != nil {
			t.Errorf("loop thread: %v", err)
		}
	})
	return thread.Loop()
}

// inLoop runs fn on loop, and waits for it to return. fn must not use
// require, which cannot stop the loop goroutine.
func inLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.ScheduleAsync(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for loop")
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func loopback() Addr { return NewAddr(0, true) }

func dial(t *testing.T, addr Addr) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// freePort returns a loopback port that nothing is listening on.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

// startEchoServer starts a single threaded echo server, returning it and its
// loop.
func startEchoServer(t *testing.T, opts ...Option) (*ServerSingle, *eventloop.Loop) {
	t.Helper()
	var (
		srv *ServerSingle
		err error
	)
	loop := startLoop(t, nil)
	inLoop(t, loop, func() {
		srv, err = NewServerSingle(loop, loopback(), append([]Option{WithLogger(testLogger())}, opts...)...)
		if err != nil {
			return
		}
		srv.SetConnectionCallback(func(*Conn) {})
		srv.SetMessageCallback(func(conn *Conn, buf *buffer.Buffer) {
			conn.SendBuffer(buf)
		})
		err = srv.Start()
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		inLoop(t, loop, func() { assert.NoError(t, srv.Close()) })
	})
	return srv, loop
}

func readFull(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	b := make([]byte, n)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return b
}
