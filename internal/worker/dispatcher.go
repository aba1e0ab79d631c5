// Package worker runs background jobs on an elastic pool of goroutines.
// Jobs are queued per key and keys are served round robin, so one busy
// key cannot starve the others.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolBusy is returned by Submit when the intake queue is full.
	ErrPoolBusy = errors.New("worker pool busy")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Config sizes the pool.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool   *jobChannelPool
	jobs   chan Job // intake for Submit
	logger *zap.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	queues map[string]*keyQueue // pending jobs per key
	ready  *list.List           // keys with pending jobs, in turn order

	closing chan struct{}
	stopped chan struct{}
}

func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pool:    newJobChannelPool(ctx, cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger),
		jobs:    make(chan Job, cfg.QueueSize),
		logger:  logger,
		cancel:  cancel,
		queues:  make(map[string]*keyQueue),
		ready:   list.New(),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}

	// Warm up the minimum number of workers.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrPoolClosed
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Workers reports the number of running workers.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

// Close stops intake and waits until every accepted job has run. When ctx
// ends first the job context is cancelled and ctx.Err() is returned; the
// remaining jobs still run, against the cancelled context.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closing)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-d.stopped
		d.pool.shutdown()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		// dispatch one job of the key at the front of the turn order
		if d.dispatchOne() {
			select {
			case job := <-d.jobs:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.jobs:
			d.enqueueJob(job)
		case <-d.closing:
			if d.drainIntake() {
				continue
			}
			return
		}
	}
}

// drainIntake moves everything left in the intake channel into the key
// queues. It reports whether anything was moved.
func (d *Dispatcher) drainIntake() bool {
	moved := false
	for {
		select {
		case job := <-d.jobs:
			d.enqueueJob(job)
			moved = true
		default:
			return moved
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the front key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this key, it leaves the turn order
		delete(d.queues, key)
		d.ready.Remove(elem)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	meta := d.pool.acquire()
	d.logger.Debug("dispatch job", zap.String("key", key), zap.Int("worker", meta.id))
	meta.ch <- job
	return true
}
