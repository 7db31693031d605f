package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

const (
	jobQueued int32 = iota
	jobRunning
	jobWithdrawn
)

// Job is one unit of work queued for a client.
type Job struct {
	Type      JobType
	ClientKey string
	ctx       context.Context
	fn        func(context.Context)
	done      chan error
	state     *atomic.Int32
}

// start moves a queued job to running. It fails once the submitter has withdrawn it.
func (j Job) start() bool {
	return j.state == nil || j.state.CompareAndSwap(jobQueued, jobRunning)
}

// withdraw takes a job that no worker has started out of the queue.
func (j Job) withdraw() bool {
	return j.state != nil && j.state.CompareAndSwap(jobQueued, jobWithdrawn)
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				debugLog("[worker-%d] stop", w.id)
				w.pool.retire(w.jobChannel)
				return
			}
			job.done <- w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker-%d job for %s panicked: %v", w.id, job.ClientKey, r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if job.ctx.Err() != nil && job.withdraw() {
		return job.ctx.Err()
	}
	if !job.start() {
		return job.ctx.Err()
	}
	job.fn(job.ctx)
	return nil
}
