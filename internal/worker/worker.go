package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Job is a unit of background work. Jobs sharing a Key are dispatched in
// submission order, and keys take turns.
type Job struct {
	Key string
	Run func(ctx context.Context)
}

type worker struct {
	pool *jobChannelPool
	jobs chan Job
}

func newWorker(pool *jobChannelPool) *worker {
	return &worker{
		pool: pool,
		jobs: make(chan Job),
	}
}

// start runs jobs until the pool closes the worker's channel.
func (w *worker) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for job := range w.jobs {
			w.run(ctx, job)
			w.pool.release(w.jobs)
		}
	}()
}

func (w *worker) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("worker job panicked", zap.String("key", job.Key), zap.Any("panic", r))
		}
	}()
	if job.Run != nil {
		job.Run(ctx)
	}
}
