package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nibty/agonai-sub001/internal/logging"
)

// Task is one unit of fan-out work.
type Task func()

// Pool is a fixed set of workers draining a bounded task queue. When the
// queue is full tasks are dropped rather than spawning goroutines; the
// dropped counter surfaces the backpressure.
type Pool struct {
	workerCount int
	tasks       chan Task
	dropped     int64
	logger      zerolog.Logger
	wg          sync.WaitGroup
	ctx         context.Context
}

// NewPool builds a pool of workerCount workers over a queueSize buffer.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		tasks:       make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Must be called before Submit.
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
		case task := <-p.tasks:
			if task != nil {
				p.runTask(task)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// A panicking task must not take its worker down.
func (p *Pool) runTask(task Task) {
	defer logging.RecoverPanic(p.logger, "broadcast.worker")
	task()
}

// Submit enqueues a task, dropping it when the queue is full.
func (p *Pool) Submit(task Task) {
	select {
	case p.tasks <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Stop waits for the workers to exit. The pool's context must be
// cancelled first.
func (p *Pool) Stop() {
	p.wg.Wait()
}

// Dropped returns the number of tasks discarded under backpressure.
func (p *Pool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}
