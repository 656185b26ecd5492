package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
)

var (
	ErrQueueFull  = errors.New("executor queue is full")
	ErrPoolClosed = errors.New("executor is shut down")
)

type Task func(ctx context.Context)

// Pool is a fixed set of workers reading from a bounded queue. Tasks receive
// a context that is cancelled only when Shutdown gives up waiting.
type Pool struct {
	name   string
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	logger logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: factory.NewModuleLogger("executor").WithField("pool", name),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) Name() string {
	return p.name
}

// Submit enqueues without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued and running tasks. When ctx
// expires first, running tasks see their context cancelled and ctx.Err is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("executor_drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("executor_cancelled")
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("executor_task_panic")
		}
	}()
	task(p.ctx)
}
