package worker

import (
	"fmt"

	"go.uber.org/zap"
)

type JobType string

const (
	Run  JobType = "run"
	Stop JobType = "stop"
)

// Job is one unit of work queued for a user.
type Job struct {
	Type   JobType
	UserID string
	Task   func()
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start parks the worker in the idle list and runs jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				return
			}
			w.pool.logger.Debug("worker picked job", zapWorker(w.id), zapUser(job.UserID))
			w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job panicked", zapWorker(w.id), zapUser(job.UserID), zapPanic(r))
		}
	}()
	if job.Task != nil {
		job.Task()
	}
}

func zapWorker(id int) zap.Field      { return zap.Int("worker", id) }
func zapUser(userID string) zap.Field { return zap.String("user_id", userID) }
func zapPanic(r any) zap.Field        { return zap.String("panic", fmt.Sprint(r)) }
