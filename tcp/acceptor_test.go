package tcp

import (
	"io"
	"testing"
	"time"

	"github.com/joeycumines/go-eloop/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type acceptedConn struct {
	fd          int
	local, peer Addr
	inLoop      bool
}

func startAcceptor(t *testing.T, cb func(a *Acceptor) NewConnectionCallback) *Acceptor {
	t.Helper()
	var (
		acceptor *Acceptor
		err      error
	)
	loop := startLoop(t, nil)
	inLoop(t, loop, func() {
		acceptor, err = NewAcceptor(loop, loopback(), WithLogger(testLogger()))
		if err != nil {
			return
		}
		if cb != nil {
			acceptor.SetNewConnectionCallback(cb(acceptor))
		}
		err = acceptor.Listen()
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		inLoop(t, loop, func() { assert.NoError(t, acceptor.Close()) })
	})
	return acceptor
}

func TestAcceptor_accept(t *testing.T) {
	accepted := make(chan acceptedConn, 1)
	var loop *eventloop.Loop
	acceptor := startAcceptor(t, func(a *Acceptor) NewConnectionCallback {
		loop = a.loop
		return func(fd int, local, peer Addr) {
			accepted <- acceptedConn{fd: fd, local: local, peer: peer, inLoop: loop.IsInLoop()}
		}
	})

	addr := acceptor.Addr()
	require.NotZero(t, addr.Port())
	assert.True(t, addr.IP().IsLoopback())

	c := dial(t, addr)
	got := waitFor(t, accepted)
	defer unix.Close(got.fd)

	assert.True(t, got.inLoop)
	assert.Equal(t, addr, got.local)
	assert.Equal(t, c.LocalAddr().String(), got.peer.String())

	flags, err := unix.FcntlInt(uintptr(got.fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	b := make([]byte, 4)
	require.Eventually(t, func() bool {
		n, err := unix.Read(got.fd, b)
		return err == nil && n == 4
	}, testTimeout, time.Millisecond)
	assert.Equal(t, "ping", string(b))
}

func TestAcceptor_withoutCallbackCloses(t *testing.T) {
	acceptor := startAcceptor(t, nil)
	c := dial(t, acceptor.Addr())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAcceptor_reusePort(t *testing.T) {
	first := startAcceptor(t, nil)
	var (
		second *Acceptor
		err    error
	)
	loop := startLoop(t, nil)
	inLoop(t, loop, func() {
		second, err = NewAcceptor(loop, first.Addr(), WithLogger(testLogger()))
		if err == nil {
			err = second.Listen()
		}
	})
	require.NoError(t, err)
	inLoop(t, loop, func() { assert.NoError(t, second.Close()) })

	inLoop(t, loop, func() {
		_, err = NewAcceptor(loop, first.Addr(), WithLogger(testLogger()), WithReusePort(false))
	})
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}

func TestAcceptor_closeIdempotent(t *testing.T) {
	loop := startLoop(t, nil)
	inLoop(t, loop, func() {
		a, err := NewAcceptor(loop, loopback(), WithLogger(testLogger()))
		if !assert.NoError(t, err) {
			return
		}
		assert.False(t, a.Listening())
		assert.NoError(t, a.Close())
		assert.NoError(t, a.Close())
		assert.Error(t, a.Listen())
	})
}

func TestAcceptor_invalidAddr(t *testing.T) {
	loop := startLoop(t, nil)
	var err error
	inLoop(t, loop, func() { _, err = NewAcceptor(loop, Addr{}) })
	assert.Error(t, err)
}

func TestWithAcceptLogRates(t *testing.T) {
	_, err := resolveOptions([]Option{WithAcceptLogRates(nil)})
	assert.Error(t, err)
	_, err = resolveOptions([]Option{WithAcceptLogRates(map[time.Duration]int{time.Second: 10, time.Minute: 5})})
	assert.Error(t, err)
	cfg, err := resolveOptions([]Option{WithAcceptLogRates(map[time.Duration]int{time.Second: 2, time.Hour: 100})})
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.acceptLogRates[time.Hour])
}

func TestAcceptor_logTransientIsLimited(t *testing.T) {
	var out lockedBuffer
	loop := startLoop(t, nil)
	inLoop(t, loop, func() {
		a, err := NewAcceptor(loop, loopback(), WithLogger(jsonLogger(&out)))
		if !assert.NoError(t, err) {
			return
		}
		defer a.Close()
		for range 5 {
			a.handleAcceptError(unix.ECONNABORTED)
		}
		a.handleAcceptError(unix.EAGAIN)
	})
	assert.Equal(t, 1, out.count(`"msg":"tcp: accept failed"`))
}
