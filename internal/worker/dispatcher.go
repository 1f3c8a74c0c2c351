// Package worker runs jobs on a bounded pool of goroutines, dispatching
// round-robin across users so one busy user cannot starve the others.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relaychat/internal/logging"
)

// ErrDispatcherBusy is returned when the intake queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

// ErrDispatcherClosed is returned after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // intake; bounded by Config.QueueSize
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[string]*userQueue // pending jobs per user
	ready     *list.List            // round-robin order of user IDs
	positions map[string]*list.Element

	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	logger = logging.OrNop(logger)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger),
		jobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		done:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	if job.Type == "" {
		job.Type = Run
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

const (
	taskQueued int32 = iota
	taskStarted
	taskAbandoned
)

// Do runs fn on the pool on behalf of userID and waits for it to finish.
// If ctx ends while fn is still queued, fn is skipped and ctx.Err() is
// returned; once fn has started Do always waits for it.
func (d *Dispatcher) Do(ctx context.Context, userID string, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	err := d.Submit(Job{UserID: userID, Task: func() {
		defer close(finished)
		if !state.CompareAndSwap(taskQueued, taskStarted) {
			return
		}
		fn()
	}})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		if state.Load() == taskAbandoned {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return ctx.Err()
		}
		<-finished
		return nil
	case <-d.done:
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return ErrDispatcherClosed
		}
		<-finished
		return nil
	}
}

// Close stops dispatching. Queued jobs that have not reached a worker are dropped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.pool.close()
	})
}

// Stats reports running workers, idle workers and jobs waiting in intake.
func (d *Dispatcher) Stats() (running, idle, queued int) {
	running, idle = d.pool.stats()
	return running, idle, len(d.jobQueue)
}

func (d *Dispatcher) run() {
	for {
		// move everything waiting in intake into the per-user queues first
		d.drainIntake()
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.done:
			return
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		}
	}
}

func (d *Dispatcher) drainIntake() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the front user to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	d.logger.Debug("dispatch job", zapUser(userID), zapWorker(d.pool.workerID(workerChan)))
	workerChan <- job
	return true
}
