package deferred

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultTaskTimeout = 5 * time.Second
)

var nopLogger = zap.NewNop()

// Task is a unit of work that must not delay a client response.
type Task func(ctx context.Context)

// Scheduler runs tasks after the current response has been sent.
type Scheduler interface {
	ScheduleAfterResponse(task Task)
}

// Batch collects tasks of a single request. It is handed to the request
// pipeline as its Scheduler and flushed once the response is written.
type Batch struct {
	m     sync.Mutex
	tasks []Task
}

func (b *Batch) ScheduleAfterResponse(task Task) {
	if task == nil {
		return
	}
	b.m.Lock()
	b.tasks = append(b.tasks, task)
	b.m.Unlock()
}

// Len returns the number of pending tasks.
func (b *Batch) Len() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.tasks)
}

// Flush moves all pending tasks into s.
func (b *Batch) Flush(s Scheduler) {
	b.m.Lock()
	tasks := b.tasks
	b.tasks = nil
	b.m.Unlock()
	for _, t := range tasks {
		s.ScheduleAfterResponse(t)
	}
}

type RunnerOpts struct {
	// Workers is the number of background workers. Default is 4.
	Workers int

	// QueueSize is the number of tasks that can wait for a worker.
	// When the queue is full, a task runs on its own goroutine.
	// Default is 1024.
	QueueSize int

	// TaskTimeout bounds the context passed to every task. Default is 5s.
	TaskTimeout time.Duration

	// Logger is the *zap.Logger for this Runner.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RunnerOpts) init() {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Runner is a Scheduler backed by a fixed pool of workers.
type Runner struct {
	opts  RunnerOpts
	queue chan Task
	g     errgroup.Group

	m        sync.RWMutex
	closed   bool
	overflow sync.WaitGroup
}

func NewRunner(opts RunnerOpts) *Runner {
	opts.init()
	r := &Runner{
		opts:  opts,
		queue: make(chan Task, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		r.g.Go(func() error {
			for t := range r.queue {
				r.run(t)
			}
			return nil
		})
	}
	return r
}

// ScheduleAfterResponse never blocks. Tasks scheduled after Close are run
// synchronously.
func (r *Runner) ScheduleAfterResponse(task Task) {
	if task == nil {
		return
	}

	r.m.RLock()
	defer r.m.RUnlock()
	if r.closed {
		r.run(task)
		return
	}

	select {
	case r.queue <- task:
	default:
		r.opts.Logger.Debug("deferred queue is full, running task on a new goroutine")
		r.overflow.Add(1)
		go func() {
			defer r.overflow.Done()
			r.run(task)
		}()
	}
}

func (r *Runner) run(task Task) {
	defer func() {
		if err := recover(); err != nil {
			r.opts.Logger.Error("deferred task panicked", zap.Any("err", err))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.TaskTimeout)
	defer cancel()
	task(ctx)
}

// Close stops accepting queued tasks and waits for pending ones.
func (r *Runner) Close() error {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.m.Unlock()

	err := r.g.Wait()
	r.overflow.Wait()
	return err
}
