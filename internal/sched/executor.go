package sched

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Executor runs ready tasks. The Graph hands a task over only after all of
// its dependencies have completed, so implementations may run anything they
// receive immediately and in any order.
type Executor interface {
	// Launch schedules a ready task for execution without blocking.
	Launch(fn func())
	// Shutdown stops accepting work, waits for the workers to exit and
	// returns their first error.
	Shutdown() error
}

// LocalExecutor executes tasks on a fixed pool of worker goroutines with an
// unbounded FIFO queue, so Launch never blocks the submitting context.
type LocalExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	eg     errgroup.Group
}

// NewLocalExecutor starts a pool of the given number of workers.
func NewLocalExecutor(workers int) *LocalExecutor {
	if workers <= 0 {
		workers = 1
	}
	e := &LocalExecutor{}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < workers; i++ {
		e.eg.Go(e.work)
	}
	return e
}

func (e *LocalExecutor) work() error {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return nil
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}

// Launch enqueues a ready task.
func (e *LocalExecutor) Launch(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
}

// Shutdown drains the queue and joins the workers.
func (e *LocalExecutor) Shutdown() error {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return errors.Wrap(e.eg.Wait(), "executor shutdown")
}
