package lanes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRunsTask(t *testing.T) {
	q := NewQueue(nil)
	ran := false
	err := q.Enqueue(context.Background(), "main", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("task did not run")
	}
}

func TestEnqueueReturnsTaskError(t *testing.T) {
	q := NewQueue(nil)
	want := errors.New("boom")
	err := q.Enqueue(context.Background(), "main", func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected task error, got %v", err)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	q := NewQueue(nil)
	q.SetConcurrency("work", 2)

	var running, peak int64
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), "work", func(ctx context.Context) error {
				n := atomic.AddInt64(&running, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt64(&running, -1)
				return nil
			})
		}()
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&running) == 2 })
	if q.QueueSize("work") != 4 {
		t.Errorf("expected 4 pending, got %d", q.QueueSize("work"))
	}
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("concurrency ceiling exceeded: peak %d", got)
	}
}

func TestFIFOWithinLane(t *testing.T) {
	q := NewQueue(nil)

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the single slot so later tasks queue in a known order.
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), "fifo", func(ctx context.Context) error {
			<-gate
			return nil
		})
	}()
	waitFor(t, func() bool { return q.ActiveTaskCount("fifo") == 1 })

	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), "fifo", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitFor(t, func() bool { return q.QueueSize("fifo") == i })
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestClearFailsPendingTasks(t *testing.T) {
	q := NewQueue(nil)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), "c", func(ctx context.Context) error {
			<-gate
			return nil
		})
	}()
	waitFor(t, func() bool { return q.ActiveTaskCount("c") == 1 })

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(context.Background(), "c", func(ctx context.Context) error {
			t.Error("cleared task must not run")
			return nil
		})
	}()
	waitFor(t, func() bool { return q.QueueSize("c") == 1 })

	if dropped := q.Clear("c"); dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", dropped)
	}

	err := <-errCh
	var lce *LaneClearedError
	if !errors.As(err, &lce) {
		t.Fatalf("expected LaneClearedError, got %v", err)
	}
	if lce.Lane != "c" {
		t.Errorf("error should name the lane, got %q", lce.Lane)
	}

	close(gate)
	wg.Wait()
}

func TestResetAllIsolatesOldGeneration(t *testing.T) {
	q := NewQueue(nil)
	q.SetConcurrency("g", 1)

	gate := make(chan struct{})
	oldDone := make(chan error, 1)
	go func() {
		oldDone <- q.Enqueue(context.Background(), "g", func(ctx context.Context) error {
			<-gate
			return nil
		})
	}()
	waitFor(t, func() bool { return q.ActiveTaskCount("g") == 1 })

	q.ResetAll()
	if q.ActiveTaskCount("g") != 0 {
		t.Errorf("reset should zero active counters, got %d", q.ActiveTaskCount("g"))
	}

	// New work must not be blocked by the stale task.
	ran := make(chan struct{})
	go q.Enqueue(context.Background(), "g", func(ctx context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("new task blocked after reset")
	}

	// The stale task finishing must not corrupt the fresh counters.
	close(gate)
	if err := <-oldDone; err != nil {
		t.Fatalf("old task error: %v", err)
	}
	waitFor(t, func() bool { return q.ActiveTaskCount("g") == 0 })
	if got := q.ActiveTaskCount("g"); got < 0 || got > 0 {
		t.Errorf("counter corrupted after stale completion: %d", got)
	}
}

func TestResetAllPreservesPending(t *testing.T) {
	q := NewQueue(nil)

	gate := make(chan struct{})
	go q.Enqueue(context.Background(), "r", func(ctx context.Context) error {
		<-gate
		return nil
	})
	waitFor(t, func() bool { return q.ActiveTaskCount("r") == 1 })

	// This task is stuck behind the running one until the reset frees the
	// lane's slot.
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(context.Background(), "r", func(ctx context.Context) error {
			return nil
		})
	}()
	waitFor(t, func() bool { return q.QueueSize("r") == 1 })

	q.ResetAll()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("preserved task failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending task not drained after reset")
	}
	close(gate)
}

func TestSetConcurrencyFloor(t *testing.T) {
	q := NewQueue(nil)
	q.SetConcurrency("f", 0)
	done := make(chan struct{})
	go func() {
		q.Enqueue(context.Background(), "f", func(ctx context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane with clamped concurrency never ran its task")
	}
}

func TestContextCancelWhileQueued(t *testing.T) {
	q := NewQueue(nil)

	gate := make(chan struct{})
	go q.Enqueue(context.Background(), "x", func(ctx context.Context) error {
		<-gate
		return nil
	})
	waitFor(t, func() bool { return q.ActiveTaskCount("x") == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(ctx, "x", func(ctx context.Context) error {
			t.Error("cancelled task must not run")
			return nil
		})
	}()
	waitFor(t, func() bool { return q.QueueSize("x") == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if q.QueueSize("x") != 0 {
		t.Errorf("cancelled task should leave the queue, size %d", q.QueueSize("x"))
	}
	close(gate)
}

func TestWaitForActiveTasks(t *testing.T) {
	q := NewQueue(nil)

	gate := make(chan struct{})
	go q.Enqueue(context.Background(), "w", func(ctx context.Context) error {
		<-gate
		return nil
	})
	waitFor(t, func() bool { return q.ActiveTaskCount("w") == 1 })

	if err := q.WaitForActiveTasks(context.Background(), 100*time.Millisecond); err == nil {
		t.Error("expected timeout while task still active")
	}

	close(gate)
	if err := q.WaitForActiveTasks(context.Background(), 2*time.Second); err != nil {
		t.Errorf("expected clean wait after completion, got %v", err)
	}
}

func TestWaitForActiveTasksIgnoresLaterStarts(t *testing.T) {
	q := NewQueue(nil)

	gateA := make(chan struct{})
	go q.Enqueue(context.Background(), "a", func(ctx context.Context) error {
		<-gateA
		return nil
	})
	waitFor(t, func() bool { return q.ActiveTaskCount("a") == 1 })

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.WaitForActiveTasks(context.Background(), 2*time.Second)
	}()

	// A task that starts after the snapshot must not keep the wait alive.
	gateB := make(chan struct{})
	defer close(gateB)
	go q.Enqueue(context.Background(), "b", func(ctx context.Context) error {
		<-gateB
		return nil
	})
	waitFor(t, func() bool { return q.ActiveTaskCount("b") == 1 })

	close(gateA)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("wait should end with the snapshot, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("wait blocked on a task started after the snapshot")
	}
}

func TestEnqueueWithOnWait(t *testing.T) {
	q := NewQueue(nil)

	gate := make(chan struct{})
	go q.Enqueue(context.Background(), "x", func(ctx context.Context) error {
		<-gate
		return nil
	})
	waitFor(t, func() bool { return q.ActiveTaskCount("x") == 1 })

	type waitReport struct {
		waited time.Duration
		ahead  int
	}
	reports := make(chan waitReport, 1)
	go q.EnqueueWith(context.Background(), "x", func(ctx context.Context) error {
		return nil
	}, EnqueueOptions{
		WarnAfter: 20 * time.Millisecond,
		OnWait: func(waited time.Duration, queuedAhead int) {
			reports <- waitReport{waited, queuedAhead}
		},
	})

	select {
	case r := <-reports:
		if r.waited < 20*time.Millisecond {
			t.Errorf("reported wait %v shorter than threshold", r.waited)
		}
		if r.ahead != 0 {
			t.Errorf("queuedAhead = %d, want 0", r.ahead)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnWait never fired for a queued task")
	}
	close(gate)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
