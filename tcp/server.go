package tcp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
	"golang.org/x/sync/errgroup"
)

// Server spreads connections over a number of threads, each a loop with its
// own listening socket bound to the same address via SO_REUSEPORT, letting
// the kernel balance accepts. Thread 0 is the base loop the server was
// created on. The others are started by the server.
//
// Each connection lives on the loop that accepted it, and its callbacks run
// there. Callbacks are shared by every thread, so must be safe for
// concurrent use when there is more than one.
type Server struct {
	baseLoop *eventloop.Loop
	logger   *elog.Logger
	cfg      *options
	local    Addr

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
	threadInitCallback    ThreadInitCallback
	numThreads            int

	started atomic.Bool
	mu      sync.Mutex
	base    *ServerSingle
	workers []*serverWorker
	stopped bool
}

type serverWorker struct {
	thread *eventloop.LoopThread
	server *ServerSingle
}

// NewServer prepares a server for local on loop. Nothing is bound until
// [Server.Start].
func NewServer(loop *eventloop.Loop, local Addr, opts ...Option) (*Server, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if !local.IsValid() {
		return nil, errors.New("tcp: invalid listen address")
	}
	return &Server{
		baseLoop:           loop,
		logger:             cfg.logger,
		cfg:                cfg,
		local:              local,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		numThreads:         cfg.threads,
	}, nil
}

func (s *Server) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

func (s *Server) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

func (s *Server) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// SetThreadInitCallback sets cb to run on each thread's loop goroutine,
// before that thread starts accepting.
func (s *Server) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInitCallback = cb }

// SetNumThread sets the number of threads, including the base loop. Must be
// called on the base loop goroutine, before Start.
func (s *Server) SetNumThread(n int) error {
	s.baseLoop.AssertInLoop()
	if n <= 0 {
		return fmt.Errorf("tcp: invalid thread count %d", n)
	}
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	s.numThreads = n
	return nil
}

func (s *Server) NumThreads() int { return s.numThreads }

func (s *Server) Started() bool { return s.started.Load() }

// Addr returns the bound address once started, otherwise the address given
// to [NewServer].
func (s *Server) Addr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return s.base.Addr()
	}
	return s.local
}

// Loops returns the loop of every thread, starting with the base loop.
func (s *Server) Loops() []*eventloop.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	loops := []*eventloop.Loop{s.baseLoop}
	for _, w := range s.workers {
		loops = append(loops, w.thread.Loop())
	}
	return loops
}

// Start binds and listens on every thread, returning once all are
// accepting. A wildcard port is resolved by the base thread and shared.
// Must be called on the base loop goroutine, at most once.
func (s *Server) Start() error {
	s.baseLoop.AssertInLoop()
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.numThreads > 1 && !s.cfg.reusePort {
		return ErrReusePortRequired
	}

	base, err := newServerSingle(s.baseLoop, s.local, s.cfg)
	if err != nil {
		return err
	}
	s.configure(base)
	if s.threadInitCallback != nil {
		s.threadInitCallback(0)
	}
	if err := base.Start(); err != nil {
		_ = base.Close()
		return err
	}
	addr := base.Addr()

	workers := make([]*serverWorker, s.numThreads-1)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			w, err := s.startWorker(i+1, addr)
			workers[i] = w
			return err
		})
	}
	err = g.Wait()

	s.mu.Lock()
	s.base = base
	for _, w := range workers {
		if w != nil {
			s.workers = append(s.workers, w)
		}
	}
	s.mu.Unlock()

	if err != nil {
		return errors.Join(err, s.Stop())
	}

	s.logger.Info().
		Str(`addr`, addr.String()).
		Int(`threads`, s.numThreads).
		Log(`tcp: server started`)
	return nil
}

func (s *Server) startWorker(index int, addr Addr) (*serverWorker, error) {
	var (
		server  *ServerSingle
		initErr error
	)
	loopOpts := append([]eventloop.LoopOption{eventloop.WithLogger(s.logger)}, s.cfg.loopOptions...)
	thread, err := eventloop.StartLoopThread(func(loop *eventloop.Loop) {
		server, initErr = newServerSingle(loop, addr, s.cfg)
		if initErr != nil {
			return
		}
		s.configure(server)
		if s.threadInitCallback != nil {
			s.threadInitCallback(index)
		}
		if initErr = server.Start(); initErr != nil {
			_ = server.Close()
			server = nil
		}
	}, loopOpts...)
	if err != nil {
		return nil, fmt.Errorf("tcp: start thread %d: %w", index, err)
	}
	if initErr != nil {
		_ = thread.Stop()
		return nil, fmt.Errorf("tcp: start thread %d: %w", index, initErr)
	}
	return &serverWorker{thread: thread, server: server}, nil
}

func (s *Server) configure(server *ServerSingle) {
	server.SetConnectionCallback(s.connectionCallback)
	server.SetMessageCallback(s.messageCallback)
	server.SetWriteCompleteCallback(s.writeCompleteCallback)
	server.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
}

// Stop closes every listener and connection, and stops the threads the
// server started. Must be called on the base loop goroutine.
func (s *Server) Stop() error {
	s.baseLoop.AssertInLoop()
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	base, workers := s.base, s.workers
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.thread.Loop().ScheduleAsync(func() {
				if err := w.server.Close(); err != nil {
					s.logger.Err().Err(err).Log(`tcp: failed to close server thread`)
				}
			})
			return w.thread.Stop()
		})
	}
	err := g.Wait()

	if base != nil {
		err = errors.Join(err, base.Close())
	}
	return err
}
