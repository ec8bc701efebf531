package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyCap(t *testing.T) {
	th := New(Options{MaxRequests: 100, Per: time.Minute, Concurrency: 2})

	var (
		mu      sync.Mutex
		cur     int
		peak    int
		wg      sync.WaitGroup
		release = make(chan struct{})
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := th.Schedule(context.Background(), func(context.Context) error {
				mu.Lock()
				cur++
				if cur > peak {
					peak = cur
				}
				mu.Unlock()
				<-release
				mu.Lock()
				cur--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Schedule: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestRateWindow(t *testing.T) {
	th := New(Options{MaxRequests: 3, Per: 200 * time.Millisecond, Concurrency: 10})

	start := time.Now()
	var wg sync.WaitGroup
	times := make([]time.Time, 6)
	for i := 0; i < 6; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Schedule(context.Background(), func(context.Context) error {
				times[idx] = time.Now()
				return nil
			})
		}()
	}
	wg.Wait()

	early, late := 0, 0
	for _, ts := range times {
		if ts.Sub(start) < 150*time.Millisecond {
			early++
		} else {
			late++
		}
	}
	if early > 3 {
		t.Fatalf("%d operations ran inside the first window, want <= 3", early)
	}
	if late < 3 {
		t.Fatalf("%d operations deferred to the next window, want >= 3", late)
	}
}

func TestFailureFreesConcurrencySlot(t *testing.T) {
	th := New(Options{MaxRequests: 100, Per: time.Minute, Concurrency: 1})

	boom := errors.New("boom")
	if err := th.Schedule(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	// The failed op must not leak its slot.
	done := make(chan struct{})
	go func() {
		_ = th.Schedule(context.Background(), func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("slot leaked after failure")
	}
}

func TestFIFOOrder(t *testing.T) {
	th := New(Options{MaxRequests: 100, Per: time.Minute, Concurrency: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = th.Schedule(context.Background(), func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Schedule(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, idx)
				mu.Unlock()
				return nil
			})
		}()
		// Queue one at a time so arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(hold)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("execution order = %v, want FIFO", order)
		}
	}
}

func TestCancelWhileQueued(t *testing.T) {
	th := New(Options{MaxRequests: 100, Per: time.Minute, Concurrency: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = th.Schedule(context.Background(), func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- th.Schedule(ctx, func(context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued caller did not observe cancellation")
	}

	// The canceled waiter must not block later callers.
	close(hold)
	done := make(chan struct{})
	go func() {
		_ = th.Schedule(context.Background(), func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("canceled waiter wedged the queue")
	}
}

func TestDoReturnsValue(t *testing.T) {
	th := New(Options{})
	var calls atomic.Int32
	v, err := Do(context.Background(), th, func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	})
	if err != nil || v != 42 || calls.Load() != 1 {
		t.Fatalf("Do = (%d, %v), calls = %d", v, err, calls.Load())
	}
}

func TestDefaults(t *testing.T) {
	th := New(Options{})
	if th.opt.MaxRequests != 5 || th.opt.Per != time.Second || th.opt.Concurrency != 2 {
		t.Fatalf("defaults = %+v", th.opt)
	}
}
