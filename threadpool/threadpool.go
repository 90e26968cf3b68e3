// Package threadpool runs tasks on a fixed number of worker goroutines, fed
// by a bounded queue. It is intended for offloading blocking work from event
// loop callbacks, which must never block.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-eloop/elog"
)

var (
	// ErrStopped is returned by Submit once the pool is stopping.
	ErrStopped = errors.New("threadpool: stopped")

	// ErrStarted is returned by Start if called more than once.
	ErrStarted = errors.New("threadpool: already started")
)

// Pool is a bounded producer/consumer queue drained by a fixed set of
// workers. All methods are safe for concurrent use.
type Pool struct {
	logger   *elog.Logger
	queue    *queue.Queue
	notEmpty *sync.Cond
	notFull  *sync.Cond
	name     string
	wg       sync.WaitGroup
	mu       sync.Mutex
	workers  int
	capacity int
	started  bool
	stopped  bool
}

// New returns a pool of workers goroutines, which will not run tasks until
// [Pool.Start]. At most capacity tasks may be queued, zero meaning no limit.
// A pool with zero workers runs each task on the submitting goroutine.
func New(workers, capacity int, opts ...Option) (*Pool, error) {
	if workers < 0 {
		return nil, fmt.Errorf("threadpool: invalid worker count %d", workers)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("threadpool: invalid capacity %d", capacity)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		logger:   cfg.logger,
		queue:    queue.New(),
		name:     cfg.name,
		workers:  workers,
		capacity: capacity,
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p, nil
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrStarted
	}
	p.started = true
	p.wg.Add(p.workers)
	for i := range p.workers {
		go p.worker(i)
	}
	p.logger.Debug().
		Str(`pool`, p.name).
		Int(`workers`, p.workers).
		Int(`capacity`, p.capacity).
		Log(`threadpool: started`)
	return nil
}

// Submit queues task, blocking while the queue is full. It returns the
// context's error if ctx ends first, or [ErrStopped] if the pool is
// stopping.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if task == nil {
		return errors.New("threadpool: nil task")
	}
	if p.workers == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		p.run(task)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.full() && !p.stopped {
		// cond waits cannot select, so cancellation broadcasts instead
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.notFull.Broadcast()
			p.mu.Unlock()
		})
		defer stop()
		for p.full() && !p.stopped {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.notFull.Wait()
		}
	}

	if p.stopped {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		// there is room, and the wakeup may have been meant for another
		// submitter
		p.notFull.Signal()
		return err
	}

	p.queue.Add(task)
	p.notEmpty.Signal()
	return nil
}

// Stop rejects further submissions, waits for the workers to finish every
// queued task, then returns. Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	dropped := 0
	if !p.started {
		dropped = p.queue.Length()
		p.queue = queue.New()
	}
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warning().
			Str(`pool`, p.name).
			Int(`tasks`, dropped).
			Log(`threadpool: stopped before start, tasks discarded`)
	}

	p.wg.Wait()
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length()
}

func (p *Pool) Workers() int { return p.workers }

func (p *Pool) Capacity() int { return p.capacity }

func (p *Pool) full() bool {
	return p.capacity > 0 && p.queue.Length() >= p.capacity
}

func (p *Pool) take() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Length() == 0 && !p.stopped {
		p.notEmpty.Wait()
	}
	if p.queue.Length() == 0 {
		return nil, false
	}
	task := p.queue.Remove().(func())
	p.notFull.Signal()
	return task, true
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.take()
		if !ok {
			p.logger.Trace().Str(`pool`, p.name).Int(`worker`, id).Log(`threadpool: worker exiting`)
			return
		}
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Err().
				Str(`pool`, p.name).
				Any(`panic`, r).
				Str(`stack`, string(debug.Stack())).
				Log(`threadpool: task panicked`)
		}
	}()
	task()
}
