// Package throttle provides a shared rate + concurrency admission gate for
// outbound API calls.
//
// Admission is FIFO under two caps: at most Concurrency operations in flight,
// and at most MaxRequests admissions within any rolling Per window. Queueing
// is backpressure, not an error; callers only fail on context cancellation.
package throttle

import (
	"context"
	"sync"
	"time"
)

// Options configures a Throttle.
//
// Zero or negative fields fall back to the defaults the external API client
// ships with: 5 requests per second, 2 concurrent.
type Options struct {
	MaxRequests int
	Per         time.Duration
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxRequests <= 0 {
		o.MaxRequests = 5
	}
	if o.Per <= 0 {
		o.Per = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	return o
}

type waiter struct {
	ch      chan struct{}
	granted bool
	gone    bool
}

// Throttle is a shared, mutable admission gate. All counter checks and
// updates happen under one mutex so concurrent schedulers cannot oversubscribe
// either cap.
type Throttle struct {
	mu       sync.Mutex
	opt      Options
	inflight int
	admitted []time.Time // admission timestamps within the rolling window
	waiters  []*waiter
	timer    *time.Timer
}

func New(opt Options) *Throttle {
	return &Throttle{opt: opt.withDefaults()}
}

// Schedule runs op once both caps allow it. Queued callers are admitted in
// arrival order. A failing op still frees its concurrency slot; the rate slot
// frees when the window slides past its admission time.
func (t *Throttle) Schedule(ctx context.Context, op func(ctx context.Context) error) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()
	return op(ctx)
}

// Do is Schedule for operations that produce a value.
func Do[T any](ctx context.Context, t *Throttle, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := t.Schedule(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Snapshot reports current occupancy for diagnostics.
func (t *Throttle) Snapshot() (inflight, queued, windowUsed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(time.Now())
	return t.inflight, len(t.waiters), len(t.admitted)
}

func (t *Throttle) acquire(ctx context.Context) error {
	now := time.Now()

	t.mu.Lock()
	t.pruneLocked(now)
	// Fast path: both caps free and nobody queued ahead of us.
	if len(t.waiters) == 0 && t.canAdmitLocked(now) {
		t.admitLocked(now)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.armTimerLocked(now)
	t.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		if w.granted {
			// Grant raced the cancellation: we own a slot, give it back.
			t.mu.Unlock()
			t.release()
			return ctx.Err()
		}
		w.gone = true
		t.mu.Unlock()
		return ctx.Err()
	}
}

func (t *Throttle) release() {
	t.mu.Lock()
	if t.inflight > 0 {
		t.inflight--
	}
	t.kickLocked(time.Now())
	t.mu.Unlock()
}

// canAdmitLocked checks both caps. Call with t.mu held, after pruneLocked.
func (t *Throttle) canAdmitLocked(now time.Time) bool {
	return t.inflight < t.opt.Concurrency && len(t.admitted) < t.opt.MaxRequests
}

func (t *Throttle) admitLocked(now time.Time) {
	t.inflight++
	t.admitted = append(t.admitted, now)
}

// pruneLocked drops admission timestamps that slid out of the window.
func (t *Throttle) pruneLocked(now time.Time) {
	cut := now.Add(-t.opt.Per)
	i := 0
	for i < len(t.admitted) && !t.admitted[i].After(cut) {
		i++
	}
	if i > 0 {
		t.admitted = append(t.admitted[:0], t.admitted[i:]...)
	}
}

// kickLocked admits queued waiters head-first while both caps allow it,
// then re-arms the window timer if the head is still rate-blocked.
func (t *Throttle) kickLocked(now time.Time) {
	t.pruneLocked(now)
	for len(t.waiters) > 0 {
		w := t.waiters[0]
		if w.gone {
			t.waiters = t.waiters[1:]
			continue
		}
		if !t.canAdmitLocked(now) {
			break
		}
		t.waiters = t.waiters[1:]
		t.admitLocked(now)
		w.granted = true
		close(w.ch)
	}
	t.armTimerLocked(now)
}

// armTimerLocked schedules a wakeup for when the oldest admission leaves the
// window, so rate-blocked waiters are admitted without busy-waiting.
// Call with t.mu held.
func (t *Throttle) armTimerLocked(now time.Time) {
	if len(t.waiters) == 0 || len(t.admitted) == 0 {
		return
	}
	if t.inflight >= t.opt.Concurrency {
		// Blocked on concurrency; release() will kick.
		return
	}
	if len(t.admitted) < t.opt.MaxRequests {
		return
	}
	wait := t.admitted[0].Add(t.opt.Per).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(wait, func() {
		t.mu.Lock()
		t.kickLocked(time.Now())
		t.mu.Unlock()
	})
}
