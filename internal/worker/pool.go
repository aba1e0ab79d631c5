package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type workerMeta struct {
	ch        chan Job
	id        int
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	logger   *zap.Logger

	ctx  context.Context
	wg   sync.WaitGroup
	done chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(ctx context.Context, minWorkers, maxWorkers int, idle time.Duration, logger *zap.Logger) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		logger:   logger,
		ctx:      ctx,
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker adds an idle worker unless the pool is full.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running >= p.max {
		return
	}
	meta := p.startWorkerLocked()
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
}

func (p *jobChannelPool) startWorkerLocked() *workerMeta {
	w := newWorker(p)
	p.nextID++
	meta := &workerMeta{ch: w.jobs, id: p.nextID}
	p.metadata[w.jobs] = meta
	p.running++
	w.start(p.ctx, &p.wg)
	p.logger.Debug("worker started", zap.Int("worker", meta.id), zap.Int("running", p.running))
	return meta
}

// acquire gets an idle worker, or spawns a new one while below max.
func (p *jobChannelPool) acquire() *workerMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if meta := p.popIdleLocked(); meta != nil {
			return meta
		}
		if p.running < p.max {
			return p.startWorkerLocked()
		}
		p.cond.Wait()
	}
}

// release puts a worker back into the idle queue.
func (p *jobChannelPool) release(ch chan Job) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked returns the first usable idle worker, if any.
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// retireLocked forgets a worker. The caller closes its channel after
// unlocking.
func (p *jobChannelPool) retireLocked(meta *workerMeta) {
	meta.discarded = true
	meta.enqueued = false
	delete(p.metadata, meta.ch)
	if p.running > 0 {
		p.running--
	}
}

func (p *jobChannelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// purgeStaleWorkers calls shutdownExpired every expiry period until the
// pool shuts down.
func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired(time.Now())
		case <-p.done:
			return
		}
	}
}

// shutdownExpired retires idle workers unused for expiry, keeping at
// least min running.
func (p *jobChannelPool) shutdownExpired(now time.Time) {
	var stale []*workerMeta

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running > p.min {
			p.retireLocked(meta)
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		p.logger.Debug("worker retired", zap.Int("worker", meta.id))
		close(meta.ch)
	}
}

// shutdown waits for busy workers to finish, stops all of them and the
// purge loop.
func (p *jobChannelPool) shutdown() {
	close(p.done)

	p.mu.Lock()
	var stopping []*workerMeta
	for p.running > 0 {
		if meta := p.popIdleLocked(); meta != nil {
			p.retireLocked(meta)
			stopping = append(stopping, meta)
			continue
		}
		p.cond.Wait()
	}
	p.mu.Unlock()

	for _, meta := range stopping {
		close(meta.ch)
	}
	p.wg.Wait()
}
