package tcp

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
	"golang.org/x/sys/unix"
)

// Acceptor owns a bound listening socket, and hands each accepted
// connection to its [NewConnectionCallback].
//
// The acceptor is created bound, and must be closed by its owner. Listen,
// Close, and accepting all happen on the loop goroutine.
type Acceptor struct {
	loop     *eventloop.Loop
	logger   *elog.Logger
	channel  *eventloop.Channel
	limiter  *catrate.Limiter
	callback NewConnectionCallback
	local    Addr
	fd       int
	// idleFd is held open to be released when out of descriptors, so the
	// pending connection can be accepted and closed rather than spinning
	idleFd    int
	listening bool
	closed    bool
}

// NewAcceptor creates a nonblocking socket with SO_REUSEADDR, plus
// SO_REUSEPORT unless disabled by [WithReusePort], and binds it to local.
func NewAcceptor(loop *eventloop.Loop, local Addr, opts ...Option) (*Acceptor, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newAcceptor(loop, local, cfg)
}

func newAcceptor(loop *eventloop.Loop, local Addr, cfg *options) (*Acceptor, error) {
	if !local.IsValid() {
		return nil, errors.New("tcp: invalid listen address")
	}

	fd, err := newStreamSocket(local.family())
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Acceptor, error) {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := setBoolSockopt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, true); err != nil {
		return fail(fmt.Errorf("tcp: set SO_REUSEADDR: %w", err))
	}
	if cfg.reusePort {
		if err := setBoolSockopt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, true); err != nil {
			return fail(fmt.Errorf("tcp: set SO_REUSEPORT: %w", err))
		}
	}
	if err := unix.Bind(fd, local.Sockaddr()); err != nil {
		return fail(fmt.Errorf("tcp: bind %s: %w", local, err))
	}
	bound, err := localAddr(fd)
	if err != nil {
		return fail(err)
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fail(fmt.Errorf("tcp: open idle descriptor: %w", err))
	}

	a := &Acceptor{
		loop:    loop,
		logger:  cfg.logger,
		limiter: catrate.NewLimiter(cfg.acceptLogRates),
		local:   bound,
		fd:      fd,
		idleFd:  idleFd,
	}
	a.channel = eventloop.NewChannel(loop, fd)
	a.channel.SetHandler(eventloop.HandlerFuncs{Read: a.handleRead})
	return a, nil
}

// SetNewConnectionCallback sets the receiver of accepted sockets. Without
// one, accepted sockets are closed immediately.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.callback = cb
}

// Addr returns the bound address, with any wildcard port resolved.
func (a *Acceptor) Addr() Addr { return a.local }

func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts listening with the system maximum backlog, and begins
// accepting on the next loop iteration.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoop()
	if a.closed {
		return errors.New("tcp: acceptor closed")
	}
	if a.listening {
		return nil
	}
	if err := unix.Listen(a.fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("tcp: listen %s: %w", a.local, err)
	}
	if err := a.channel.EnableRead(); err != nil {
		return err
	}
	a.listening = true
	a.logger.Debug().
		Str(`addr`, a.local.String()).
		Uint64(`loop`, a.loop.ID()).
		Log(`tcp: listening`)
	return nil
}

// Close stops accepting and closes the listening socket.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoop()
	if a.closed {
		return nil
	}
	a.closed = true
	a.listening = false
	var errs []error
	if a.loop.HasChannel(a.channel) {
		if err := a.channel.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := unix.Close(a.fd); err != nil {
		errs = append(errs, fmt.Errorf("tcp: close listener: %w", err))
	}
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		a.idleFd = -1
	}
	return errors.Join(errs...)
}

func (a *Acceptor) handleRead() {
	nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		a.handleAcceptError(err)
		return
	}

	peer, err := AddrFromSockaddr(sa)
	if err != nil {
		a.logger.Warning().Err(err).Log(`tcp: dropping accepted connection`)
		_ = unix.Close(nfd)
		return
	}

	if a.callback == nil {
		_ = unix.Close(nfd)
		return
	}
	a.callback(nfd, a.local, peer)
}

func (a *Acceptor) handleAcceptError(err error) {
	switch err {
	case unix.EAGAIN, unix.EINTR:
		// spurious, or already taken by another listener on the port
		return

	case unix.EMFILE, unix.ENFILE:
		a.logTransient(err)
		a.shedPending()

	case unix.ECONNABORTED, unix.EPROTO, unix.EPERM, unix.ENOBUFS, unix.ENOMEM:
		a.logTransient(err)

	default:
		elog.SysFatal(a.logger, err, `tcp: accept failed`)
	}
}

// shedPending frees the idle descriptor to accept and immediately close the
// connection at the head of the backlog.
func (a *Acceptor) shedPending() {
	if a.idleFd < 0 {
		return
	}
	_ = unix.Close(a.idleFd)
	a.idleFd = -1
	if nfd, _, err := unix.Accept4(a.fd, unix.SOCK_CLOEXEC); err == nil {
		_ = unix.Close(nfd)
	}
	if fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); err == nil {
		a.idleFd = fd
	}
}

func (a *Acceptor) logTransient(err error) {
	if next, ok := a.limiter.Allow(err); !ok {
		a.logger.Trace().
			Err(err).
			Dur(`suppressed_for`, time.Until(next)).
			Log(`tcp: accept failure suppressed`)
		return
	}
	elog.SysErr(a.logger, err, `tcp: accept failed`)
}
