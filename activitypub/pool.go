package activitypub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPoolFull   = errors.New("task pool is full")
	ErrPoolClosed = errors.New("task pool is closed")
)

// Task is a unit of background work submitted by request handlers.
type Task func(ctx context.Context) error

// TaskPool runs submitted tasks on a fixed number of goroutines. Submit
// never blocks: a full queue is reported to the caller, who decides
// whether to run the task inline instead.
type TaskPool struct {
	tasks  chan namedTask
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type namedTask struct {
	name string
	run  Task
}

func NewTaskPool(workers, queue int, logger *zap.Logger) *TaskPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &TaskPool{
		tasks:  make(chan namedTask, max(queue, 0)),
		logger: logger.Named("pool"),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < max(workers, 1); i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *TaskPool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		if err := t.run(p.ctx); err != nil {
			p.logger.Warn("task failed", zap.String("task", t.name), zap.Error(err))
		}
	}
}

// Submit queues a task.
func (p *TaskPool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- namedTask{name: name, run: task}:
		return nil
	default:
		return ErrPoolFull
	}
}

// Close stops accepting tasks and waits for the queued ones to finish, or
// for ctx to end, in which case the running tasks are cancelled.
func (p *TaskPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
