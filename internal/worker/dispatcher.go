// Package worker runs ingestion jobs on a bounded pool, round robin across clients.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("ingest queue full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type clientQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[string]*clientQueue // job queue for each client
	ready     *list.List              // round robin order of client keys
	positions map[string]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout)

	d := &Dispatcher{
		queues:    make(map[string]*clientQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, cfg.QueueSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues fn for clientKey and waits until it has run. It fails fast with
// ErrDispatcherBusy when the queue is full. If ctx ends while the job is still queued,
// the job is withdrawn and Submit returns ctx.Err(). Once a worker has started fn,
// Submit always waits for fn to return, so anything fn reads stays valid for its run.
func (d *Dispatcher) Submit(ctx context.Context, clientKey string, fn func(context.Context)) error {
	job := Job{
		Type:      Run,
		ClientKey: clientKey,
		ctx:       ctx,
		fn:        fn,
		done:      make(chan error, 1),
		state:     new(atomic.Int32),
	}

	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.JobQueue <- job:
	default:
		debugLog("[dispatcher] queue full, rejecting job for %s", clientKey)
		return ErrDispatcherBusy
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		if job.withdraw() {
			return ctx.Err()
		}
		return <-job.done
	}
}

// Stop rejects new jobs, fails queued ones and retires idle workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.stopped
		d.failPending()
	})
}

// Workers is the current number of live workers.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		// dispatch one job of the client in front of the round robin queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	key := job.ClientKey

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil {
		q = &clientQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// next pops the next job of the front client and rotates that client to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this client, it leaves the rotation
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne hands the next job to a worker, waiting for one if all are busy.
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.done <- ErrDispatcherStopped
		return true
	}
	debugLog("[dispatcher] assign job for %s to worker-%d", job.ClientKey, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (d *Dispatcher) failPending() {
	d.mu.Lock()
	for key, q := range d.queues {
		for _, job := range q.jobs {
			job.done <- ErrDispatcherStopped
		}
		delete(d.queues, key)
	}
	d.ready.Init()
	clear(d.positions)
	d.mu.Unlock()

	for {
		select {
		case job := <-d.JobQueue:
			job.done <- ErrDispatcherStopped
		default:
			return
		}
	}
}
