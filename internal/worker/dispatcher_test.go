package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatcherRunsAllJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 4, QueueSize: 64}, nil)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		key := []string{"a", "b", "c"}[i%3]
		if err := d.Submit(Job{Key: key, Run: func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	if got := ran.Load(); got != 40 {
		t.Fatalf("expected 40 jobs, ran %d", got)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDispatcherSingleKeyOrder(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16}, nil)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if err := d.Submit(Job{Key: "user", Run: func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
	if len(order) != 10 {
		t.Fatalf("close returned before queued jobs ran: %v", order)
	}
}

func TestDispatcherBusyAndClosed(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := d.Submit(Job{Key: "k", Run: func(context.Context) {
		close(started)
		<-release
	}}); err != nil {
		t.Fatalf("submit blocking job: %v", err)
	}
	<-started

	var busy bool
	for i := 0; i < 10; i++ {
		if err := d.Submit(Job{Key: "k"}); err == ErrPoolBusy {
			busy = true
			break
		}
	}
	if !busy {
		t.Fatalf("expected ErrPoolBusy while the only worker is blocked")
	}

	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Submit(Job{Key: "k"}); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDispatcherCloseTimeoutCancelsJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, nil)

	started := make(chan struct{})
	finished := make(chan struct{})
	if err := d.Submit(Job{Key: "k", Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("job context was not cancelled")
	}
	waitForWorkers(t, d, 0)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, nil)

	done := make(chan struct{})
	if err := d.Submit(Job{Key: "k", Run: func(context.Context) { panic("boom") }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := d.Submit(Job{Key: "k", Run: func(context.Context) { close(done) }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not survive panic")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 3, QueueSize: 8, IdleTimeout: time.Hour}, nil)
	defer d.Close(context.Background())

	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		if err := d.Submit(Job{Key: string(rune('a' + i)), Run: func(context.Context) {
			defer wg.Done()
			<-gate
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitForWorkers(t, d, 3)
	close(gate)
	wg.Wait()

	// release runs after the job returns; wait for all three to be idle
	deadline := time.Now().Add(time.Second)
	for {
		d.pool.mu.Lock()
		idle := len(d.pool.idle)
		d.pool.mu.Unlock()
		if idle == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers did not return to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.pool.shutdownExpired(time.Now().Add(2 * time.Hour))
	waitForWorkers(t, d, 1)
}

func waitForWorkers(t *testing.T, d *Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for d.Workers() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d workers, have %d", want, d.Workers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
