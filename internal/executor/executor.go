// Package executor runs build tasks on a bounded pool of workers.
//
// Tasks are pulled from a FIFO queue by exactly the configured number of
// worker goroutines. Results are collected in completion order and handed
// back through FinishedTasks; the pool never inspects what a task does and a
// task must not add further tasks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/errkind"
)

// ErrHalted is the cause of AddTask rejections after a failed task in
// stop-on-fail mode or after Cancel.
var ErrHalted = errors.New("task pool halted")

// TaskFunc is the body of a task.
type TaskFunc func(ctx context.Context) (any, error)

// Result is the outcome of one task. Group is the value passed to AddTask.
type Result struct {
	Group any
	Value any
	Err   error
}

type task struct {
	group any
	fn    TaskFunc
}

// Pool is a bounded worker pool.
type Pool struct {
	workers    int
	stopOnFail bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	results []Result
	running int
	started bool
	exiting bool
	halted  bool
	wg      sync.WaitGroup
	maxSeen int
}

// New returns a pool with the given number of workers. In stop-on-fail mode
// the first failed task halts the pool: queued tasks are cancelled and new
// ones are rejected until Finish or a restart starts a fresh wave.
func New(workers int, stopOnFail bool) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers, stopOnFail: stopOnFail}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Start launches the workers. Calling Start on a running pool is a no-op.
// A restarted pool forgets the halt and the uncollected results of its
// previous run.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.exiting = false
	p.halted = false
	p.results = nil
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// AddTask queues fn. It fails with ErrCancelled when the pool is stopping or
// halted after a failure.
func (p *Pool) AddTask(group any, fn TaskFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.exiting {
		return errkind.New(errkind.ErrCancelled, "task pool is not running")
	}
	if p.halted {
		return errkind.Wrap(errkind.ErrCancelled, ErrHalted, "task pool halted")
	}
	p.queue = append(p.queue, task{group: group, fn: fn})
	p.cond.Broadcast()
	return nil
}

// Pending returns the number of queued and running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.running
}

// FinishedTasks returns the results collected so far. With block set it
// waits until at least one result is available or nothing is pending.
func (p *Pool) FinishedTasks(block bool) []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	for block && len(p.results) == 0 && (len(p.queue) > 0 || p.running > 0) {
		p.cond.Wait()
	}
	out := p.results
	p.results = nil
	return out
}

// Finish waits until the queue is drained and every worker is idle. The pool
// keeps running and accepts tasks again afterwards.
func (p *Pool) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.running > 0 {
		p.cond.Wait()
	}
	p.halted = false
}

// Stop makes workers exit at the next task boundary and waits for them.
// Tasks still queued are reported as cancelled results.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.exiting = true
	p.cancelQueued("task pool stopped")
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// Cancel halts the pool: queued tasks are reported as cancelled and new ones
// are rejected until Finish or the next Start. Running tasks complete.
func (p *Pool) Cancel(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	p.cancelQueued(reason)
	p.cond.Broadcast()
}

// MaxConcurrency returns the highest number of simultaneously running tasks
// observed since the pool was created.
func (p *Pool) MaxConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

// cancelQueued must be called with p.mu held.
func (p *Pool) cancelQueued(reason string) {
	for _, t := range p.queue {
		p.results = append(p.results, Result{Group: t.group, Err: errkind.New(errkind.ErrCancelled, "%s", reason)})
	}
	p.queue = nil
}

// worker is the processing loop of a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.exiting {
			p.cond.Wait()
		}
		if p.exiting {
			p.mu.Unlock()
			logger.Debug("Worker finished.", "workerID", workerID)
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.running++
		if p.running > p.maxSeen {
			p.maxSeen = p.running
		}
		p.mu.Unlock()

		var value any
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errkind.Wrap(errkind.ErrCancelled, ctxErr, "task not started")
		} else {
			value, err = run(ctx, t.fn)
		}
		if err != nil {
			logger.Debug("Task failed.", "workerID", workerID, "group", fmt.Sprint(t.group), "error", err)
		}

		p.mu.Lock()
		p.running--
		p.results = append(p.results, Result{Group: t.group, Value: value, Err: err})
		if err != nil && p.stopOnFail && !p.halted && !errors.Is(err, errkind.ErrCancelled) {
			p.halted = true
			p.cancelQueued("stopped after a failed task")
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

func run(ctx context.Context, fn TaskFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
