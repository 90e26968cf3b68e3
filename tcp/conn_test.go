package tcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-eloop/buffer"
	"github.com/joeycumines/go-eloop/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// connHarness is a single threaded server whose callbacks record what they
// observe.
type connHarness struct {
	t      *testing.T
	loop   *eventloop.Loop
	server *ServerSingle
	conns  chan *Conn
	downs  chan *Conn
	// offLoop counts callbacks made off the loop goroutine
	offLoop atomic.Int32
}

func newConnHarness(t *testing.T, configure func(h *connHarness, s *ServerSingle)) *connHarness {
	t.Helper()
	h := &connHarness{
		t:     t,
		conns: make(chan *Conn, 64),
		downs: make(chan *Conn, 64),
	}
	var err error
	h.loop = startLoop(t, nil)
	inLoop(t, h.loop, func() {
		h.server, err = NewServerSingle(h.loop, loopback(), WithLogger(testLogger()))
		if err != nil {
			return
		}
		h.server.SetConnectionCallback(func(conn *Conn) {
			h.checkLoop()
			if conn.Connected() {
				h.conns <- conn
			} else {
				h.downs <- conn
			}
		})
		if configure != nil {
			configure(h, h.server)
		}
		err = h.server.Start()
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		inLoop(t, h.loop, func() { assert.NoError(t, h.server.Close()) })
		assert.Zero(t, h.offLoop.Load(), "callbacks made off the loop goroutine")
	})
	return h
}

func (h *connHarness) checkLoop() {
	if !h.loop.IsInLoop() {
		h.offLoop.Add(1)
	}
}

func TestConn_echoRandomBursts(t *testing.T) {
	srv, _ := startEchoServer(t)
	c := dial(t, srv.Addr())

	const total = 100_000
	payload := make([]byte, total)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range payload {
		payload[i] = byte(rng.UintN(256))
	}

	var g errgroup.Group
	g.Go(func() error {
		for off := 0; off < total; {
			n := min(1+rng.IntN(4096), total-off)
			if _, err := c.Write(payload[off : off+n]); err != nil {
				return err
			}
			off += n
			if rng.IntN(8) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		return nil
	})

	got := readFull(t, c, total)
	require.NoError(t, g.Wait())
	assert.True(t, bytes.Equal(payload, got))
}

func TestConn_lifecycleCallbacks(t *testing.T) {
	h := newConnHarness(t, nil)
	c := dial(t, h.server.Addr())

	conn := waitFor(t, h.conns)
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, h.loop, conn.Loop())
	assert.Equal(t, c.LocalAddr().String(), conn.PeerAddr().String())
	assert.Equal(t, h.server.Addr(), conn.LocalAddr())
	assert.Equal(t, conn.PeerAddr().String()+"->"+conn.LocalAddr().String(), conn.Name())

	var n int
	inLoop(t, h.loop, func() { n = h.server.NumConnections() })
	assert.Equal(t, 1, n)

	require.NoError(t, c.Close())
	down := waitFor(t, h.downs)
	assert.Same(t, conn, down)
	assert.True(t, down.Disconnected())

	inLoop(t, h.loop, func() { n = h.server.NumConnections() })
	assert.Zero(t, n)

	select {
	case <-h.downs:
		t.Fatal("down reported twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConn_sendOrderingAcrossGoroutines(t *testing.T) {
	h := newConnHarness(t, nil)
	c := dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	const (
		senders  = 8
		messages = 500
	)
	var wg sync.WaitGroup
	for g := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range messages {
				conn.SendString(fmt.Sprintf("%d:%d\n", g, i))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	r := bufio.NewScanner(c)
	next := make([]int, senders)
	for range senders * messages {
		require.True(t, r.Scan(), r.Err())
		g, i, ok := strings.Cut(r.Text(), ":")
		require.True(t, ok)
		gi, err := strconv.Atoi(g)
		require.NoError(t, err)
		ii, err := strconv.Atoi(i)
		require.NoError(t, err)
		require.Equal(t, next[gi], ii, "sender %d out of order", gi)
		next[gi]++
	}
}

func TestConn_sendInLoopNeverOvertakesQueued(t *testing.T) {
	h := newConnHarness(t, nil)
	c := dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	conn.SendString("a")
	inLoop(t, h.loop, func() {
		conn.SendString("b")
		h.loop.ScheduleAsync(func() { conn.SendString("d") })
		conn.SendString("c")
	})
	assert.Equal(t, "abcd", string(readFull(t, c, 4)))
}

func TestConn_shutdownHalfCloses(t *testing.T) {
	received := make(chan string, 16)
	h := newConnHarness(t, func(h *connHarness, s *ServerSingle) {
		s.SetMessageCallback(func(conn *Conn, buf *buffer.Buffer) {
			h.checkLoop()
			msg := buf.RetrieveAllAsString()
			received <- msg
			if msg == "bye" {
				conn.SendString("later")
				conn.Shutdown()
			}
		})
	})
	c := dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	_, err := c.Write([]byte("bye"))
	require.NoError(t, err)
	assert.Equal(t, "bye", waitFor(t, received))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "later", string(out))
	assert.Equal(t, StateDisconnecting, conn.State())

	// still reading
	_, err = c.Write([]byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", waitFor(t, received))

	conn.SendString("dropped")

	require.NoError(t, c.Close())
	assert.Same(t, conn, waitFor(t, h.downs))
}

func TestConn_forceCloseDiscardsOutput(t *testing.T) {
	h := newConnHarness(t, nil)
	c := dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	conn.ForceClose()
	conn.ForceClose()
	assert.Same(t, conn, waitFor(t, h.downs))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)

	conn.ForceClose()
	conn.Shutdown()
	select {
	case <-h.downs:
		t.Fatal("down reported twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConn_highWaterMarkOncePerCrossing(t *testing.T) {
	const mark = 1 << 20
	crossings := make(chan int, 16)
	drained := make(chan struct{}, 16)
	h := newConnHarness(t, func(h *connHarness, s *ServerSingle) {
		s.SetHighWaterMarkCallback(func(conn *Conn, size int) {
			h.checkLoop()
			crossings <- size
		}, mark)
		s.SetWriteCompleteCallback(func(*Conn) {
			h.checkLoop()
			drained <- struct{}{}
		})
	})
	c := dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	chunk := bytes.Repeat([]byte{'x'}, 4<<20)
	send := func() {
		// from the loop, so nothing drains between the sends
		inLoop(t, h.loop, func() {
			for range 4 {
				conn.Send(chunk)
			}
		})
	}

	send()
	size := waitFor(t, crossings)
	assert.GreaterOrEqual(t, size, mark)

	var outstanding int
	inLoop(t, h.loop, func() { outstanding = conn.OutputBuffer().ReadableBytes() })
	assert.Greater(t, outstanding, mark)

	readFull(t, c, 4*len(chunk))
	waitFor(t, drained)
	select {
	case n := <-crossings:
		t.Fatalf("unexpected crossing while above the mark: %d", n)
	default:
	}

	send()
	waitFor(t, crossings)
	readFull(t, c, 4*len(chunk))
	waitFor(t, drained)
	assert.Empty(t, crossings)
}

func TestConn_stopReadAppliesBackpressure(t *testing.T) {
	received := make(chan int, 1024)
	h := newConnHarness(t, func(h *connHarness, s *ServerSingle) {
		s.SetMessageCallback(func(conn *Conn, buf *buffer.Buffer) {
			received <- buf.ReadableBytes()
			buf.RetrieveAll()
		})
	})
	c := dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	conn.StopRead()
	inLoop(t, h.loop, func() {})
	_, err := c.Write([]byte("held"))
	require.NoError(t, err)
	select {
	case <-received:
		t.Fatal("read while stopped")
	case <-time.After(50 * time.Millisecond):
	}

	conn.StartRead()
	assert.Equal(t, 4, waitFor(t, received))
}

func TestConn_sendWhenNotConnectedIsDropped(t *testing.T) {
	loop := startLoop(t, nil)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	conn, err := NewConn(loop, fds[0], NewAddr(1, true), NewAddr(2, true), WithLogger(testLogger()))
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, conn.State())

	conn.SendString("nope")
	conn.Shutdown()
	conn.ForceClose()
	assert.Equal(t, StateConnecting, conn.State())

	inLoop(t, loop, func() {
		conn.ConnectDestroyed()
		assert.True(t, conn.Disconnected())
		assert.ErrorIs(t, conn.ConnectEstablished(), ErrNotConnecting)
		conn.ConnectDestroyed()
	})

	n, err := unix.Read(fds[1], make([]byte, 8))
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestConn_standaloneWithoutOwner(t *testing.T) {
	loop := startLoop(t, nil)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	peer := os.NewFile(uintptr(fds[1]), "peer")
	defer peer.Close()

	conn, err := NewConn(loop, fds[0], NewAddr(1, true), NewAddr(2, true), WithLogger(testLogger()))
	require.NoError(t, err)

	states := make(chan ConnState, 4)
	messages := make(chan string, 4)
	conn.SetConnectionCallback(func(conn *Conn) { states <- conn.State() })
	conn.SetMessageCallback(func(conn *Conn, buf *buffer.Buffer) {
		messages <- buf.RetrieveAllAsString()
	})
	conn.SetContext("ctx")
	assert.Equal(t, "ctx", conn.Context())

	var estErr error
	inLoop(t, loop, func() { estErr = conn.ConnectEstablished() })
	require.NoError(t, estErr)

	_, err = peer.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", waitFor(t, messages))

	conn.SendString("yo")
	b := make([]byte, 2)
	_, err = io.ReadFull(peer, b)
	require.NoError(t, err)
	assert.Equal(t, "yo", string(b))

	require.NoError(t, peer.Close())
	assert.Equal(t, StateDisconnected, waitFor(t, states))
}

func TestConn_socketOptions(t *testing.T) {
	h := newConnHarness(t, nil)
	dial(t, h.server.Addr())
	conn := waitFor(t, h.conns)

	require.NoError(t, conn.SetTCPNoDelay(true))
	v, err := unix.GetsockoptInt(conn.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, conn.SetKeepAlive(true))
	v, err = unix.GetsockoptInt(conn.Fd(), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "ConnState(9)", ConnState(9).String())
}
