package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolShutdown is returned by Submit after Shutdown
var ErrPoolShutdown = errors.New("worker pool shut down")

var logger atomic.Pointer[logrus.Logger]

func init() {
	logger.Store(logrus.StandardLogger())
}

// SetLogger replaces the logger used for panics and task errors
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

func log() *logrus.Logger {
	return logger.Load()
}

// SafeGo executes fn in a goroutine with panic recovery and a timeout.
// A non-positive timeout means no deadline. Errors are logged, never propagated.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := withTimeout(parentCtx, timeout)
		defer cancel()

		if err := run(ctx, fn); err != nil {
			log().WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
}

// SafeGoNoError is SafeGo for functions that cannot fail
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// withTimeout treats a non-positive timeout as no deadline
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// run calls fn and converts a panic into an error
func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log().WithField("stack", string(debug.Stack())).Errorf("Recovered panic: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// WorkerPool runs submitted tasks on a fixed set of workers
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	workCh   chan func(context.Context) error
	doneCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines that stop when ctx is cancelled or the pool shuts down
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	pool.onError = func(err error) {
		log().WithError(err).WithField("task", taskName).Error("Worker task failed")
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues fn. It blocks while the queue is full.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolShutdown
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolShutdown
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to drain
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
	p.mu.Unlock()

	defer p.cancel()
	select {
	case <-p.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			ctx, cancel := withTimeout(p.ctx, p.timeout)
			err := run(ctx, fn)
			cancel()
			if err != nil {
				p.onError(err)
			}
		}
	}
}

// Batch runs fn for every item on workers goroutines and returns every error.
// Each call gets its own timeout.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	var (
		mu   sync.Mutex
		errs []error
	)
	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	pool.onError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}

	// Workers drain the queue after close, so wait without a deadline
	pool.mu.Lock()
	pool.closed = true
	close(pool.workCh)
	pool.mu.Unlock()
	<-pool.doneCh
	pool.cancel()

	mu.Lock()
	defer mu.Unlock()
	return errs
}
