// Package worker provides the shared task pool servicing persistence
// callbacks and backend-data work. A fixed number of workers drain a
// buffered queue; when the queue is full, tasks are dropped rather than
// spawning unbounded goroutines.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of work.
type Task func()

// Pool manages a fixed set of worker goroutines.
type Pool struct {
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     uint64
	logger      zerolog.Logger
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < workerCount {
		queueSize = workerCount * 100
	}
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. The context cancels them on shutdown.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		case <-p.ctx.Done():
			return
		}
	}
}

// run executes one task under panic recovery; a panicking task is logged
// with its stack and the worker keeps running.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues a task. When the queue is full the task is dropped and
// counted; overload sheds work instead of growing without bound.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
}

// Stop closes the queue and waits for the workers to finish the tasks
// already accepted.
func (p *Pool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// QueueDepth returns the number of tasks waiting in the queue.
func (p *Pool) QueueDepth() int { return len(p.taskQueue) }

// QueueCapacity returns the queue buffer size.
func (p *Pool) QueueCapacity() int { return cap(p.taskQueue) }

// DroppedTasks returns how many tasks were dropped because the queue was
// full.
func (p *Pool) DroppedTasks() uint64 { return atomic.LoadUint64(&p.dropped) }
