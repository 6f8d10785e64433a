// Package queue runs background attachment work with bounded concurrency
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("queue is closed")

// Task is one unit of background work. OnError is called with the error
// returned by Run, or with the recovered panic.
type Task struct {
	Name    string
	Run     func(ctx context.Context) error
	OnError func(err error)
}

// Queue runs tasks in FIFO order with at most concurrency of them in flight.
// Tasks can't be cancelled once they started.
type Queue struct {
	mu          sync.Mutex
	pending     []Task
	running     int
	concurrency int
	closed      bool
	// closed whenever nothing is pending or in flight
	idle chan struct{}

	ctx      context.Context
	observer Observer
}

type Option func(*Queue)

// WithObserver reports queue depth and failures to o.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		q.observer = o
	}
}

// WithContext sets the context handed to every task.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) {
		q.ctx = ctx
	}
}

func New(concurrency int, opts ...Option) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}

	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		concurrency: concurrency,
		idle:        idle,
		ctx:         context.Background(),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(q)
	}

	zap.L().Debug("Initializing attachment queue", zap.Int("concurrency", concurrency))
	return q
}

// Enqueue schedules t. It never blocks; tasks over the concurrency limit wait
// in line.
func (q *Queue) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has nothing to run", t.Name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if q.running == 0 && len(q.pending) == 0 {
		q.idle = make(chan struct{})
	}

	q.pending = append(q.pending, t)
	q.observer.Pending(len(q.pending))

	if q.running < q.concurrency {
		q.running++
		q.observer.InFlight(q.running)
		go q.worker()
	}

	zap.L().Debug("New task enqueued",
		zap.String("task", t.Name),
		zap.Int("pending", len(q.pending)),
		zap.Int("running", q.running))

	return nil
}

func (q *Queue) worker() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running--
			q.observer.InFlight(q.running)
			if q.running == 0 {
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}

		t := q.pending[0]
		q.pending[0] = Task{}
		q.pending = q.pending[1:]
		q.observer.Pending(len(q.pending))
		q.mu.Unlock()

		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	var err error

	var pc panics.Catcher
	pc.Try(func() {
		err = t.Run(q.ctx)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err == nil {
		zap.L().Debug("Task finished successfully", zap.String("task", t.Name))
		return
	}

	q.observer.Failed(t.Name)
	zap.L().Error("Task finished with an error", zap.String("task", t.Name), zap.Error(err))

	if t.OnError != nil {
		t.OnError(err)
	}
}

// Drained returns a channel that is closed once no task is pending or in
// flight. Every call after new work arrives returns a fresh channel.
func (q *Queue) Drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Wait blocks until the queue is drained or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.Drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	return q.Wait(ctx)
}
