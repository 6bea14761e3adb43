package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed on the loop
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context

	result chan error
}

// Loop runs tasks one at a time on a single goroutine. Everything that
// touches the store is funnelled through it, so the store itself needs no
// locking.
type Loop struct {
	name           string
	taskQueue      chan Task
	queueSize      int
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	// mu orders enqueues before the close of stopChan, so drain sees
	// every accepted task.
	mu             sync.RWMutex
	running        int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds event loop configuration
type Config struct {
	Name      string
	QueueSize int
	Logger    *zap.Logger
}

// New creates and starts an event loop
func New(cfg *Config) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	loop := &Loop{
		name:      cfg.Name,
		queueSize: cfg.QueueSize,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}

	loop.wg.Add(1)
	go loop.run()

	loop.logger.Info("Event loop started",
		zap.String("name", loop.name),
		zap.Int("queue_size", loop.queueSize))

	return loop
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			l.drain()
			return
		case task := <-l.taskQueue:
			l.executeTask(task)
		}
	}
}

// drain runs tasks that were accepted before Stop was called.
func (l *Loop) drain() {
	for {
		select {
		case task := <-l.taskQueue:
			l.executeTask(task)
		default:
			return
		}
	}
}

func (l *Loop) executeTask(task Task) {
	atomic.StoreInt32(&l.running, 1)
	defer atomic.StoreInt32(&l.running, 0)

	start := time.Now()
	err := l.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&l.failedTasks, 1)
		l.logger.Debug("Task failed",
			zap.String("loop", l.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&l.completedTasks, 1)
	}

	if task.result != nil {
		task.result <- err
	}
}

// safeExecute executes a task with panic recovery
func (l *Loop) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			l.logger.Error("Task panic recovered",
				zap.String("loop", l.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}
	if err := task.Context.Err(); err != nil {
		return err
	}

	return task.Fn(task.Context)
}

// Submit queues a task without waiting for it to run.
// Returns error if the queue is full or the loop is stopped
func (l *Loop) Submit(task Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	select {
	case <-l.stopChan:
		atomic.AddUint64(&l.rejectedTasks, 1)
		return fmt.Errorf("event loop '%s' is stopped", l.name)
	default:
	}

	select {
	case l.taskQueue <- task:
		atomic.AddUint64(&l.totalTasks, 1)
		return nil
	default:
		atomic.AddUint64(&l.rejectedTasks, 1)
		return fmt.Errorf("event loop '%s' queue is full", l.name)
	}
}

// Do runs fn on the loop and waits for its result. It returns ctx.Err() if
// the context ends before fn is accepted or finishes; fn may still run
// later in that case.
func (l *Loop) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	result := make(chan error, 1)
	task := Task{ID: id, Fn: fn, Context: ctx, result: result}

	if err := l.enqueue(ctx, task); err != nil {
		atomic.AddUint64(&l.rejectedTasks, 1)
		return err
	}
	atomic.AddUint64(&l.totalTasks, 1)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue blocks until task is queued, the loop stops or ctx ends.
func (l *Loop) enqueue(ctx context.Context, task Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	select {
	case <-l.stopChan:
		return fmt.Errorf("event loop '%s' is stopped", l.name)
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.taskQueue <- task:
		return nil
	}
}

// Stop stops accepting tasks, runs what is already queued and waits for the
// loop goroutine to exit.
func (l *Loop) Stop(timeout time.Duration) error {
	var err error
	l.stopOnce.Do(func() {
		l.logger.Info("Stopping event loop", zap.String("name", l.name))
		l.mu.Lock()
		close(l.stopChan)
		l.mu.Unlock()

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			l.logger.Info("Event loop stopped", zap.String("name", l.name))
		case <-time.After(timeout):
			err = fmt.Errorf("event loop '%s' stop timeout after %v", l.name, timeout)
			l.logger.Warn("Event loop stop timeout", zap.String("name", l.name))
		}
	})
	return err
}

// Stats returns current event loop statistics
func (l *Loop) Stats() Stats {
	return Stats{
		Name:           l.name,
		Busy:           atomic.LoadInt32(&l.running) == 1,
		QueueSize:      l.queueSize,
		QueuedTasks:    len(l.taskQueue),
		TotalTasks:     atomic.LoadUint64(&l.totalTasks),
		CompletedTasks: atomic.LoadUint64(&l.completedTasks),
		FailedTasks:    atomic.LoadUint64(&l.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&l.rejectedTasks),
	}
}

// Stats represents event loop statistics
type Stats struct {
	Name           string
	Busy           bool
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.QueuedTasks) / float64(s.QueueSize)) * 100.0
}
