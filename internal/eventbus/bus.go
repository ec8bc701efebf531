// Package eventbus carries the engine's lifecycle signals: job transitions
// from the dispatcher and cycle summaries from the poller.
//
// Contract:
//   - Publishing MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// JobKind is a job lifecycle transition.
type JobKind string

const (
	JobStarted   JobKind = "started"
	JobPublished JobKind = "published"
	JobRetry     JobKind = "retry"
	JobFailed    JobKind = "failed"
)

// JobEvent describes one job transition. Delay is set on retries, Took on
// successful publishes, Error on retries and failures.
type JobEvent struct {
	Kind    JobKind       `json:"kind"`
	JobID   string        `json:"job_id"`
	PostID  string        `json:"post_id"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Took    time.Duration `json:"took,omitempty"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

// PollEvent summarizes one completed polling sweep.
type PollEvent struct {
	Accounts int           `json:"accounts"`
	Failed   int           `json:"failed"`
	Posts    int           `json:"posts"`
	Took     time.Duration `json:"took"`
	At       time.Time     `json:"at"`
}

// Bus fans job and poll events out to their subscribers. The zero value is
// not usable; construct with New.
type Bus struct {
	jobs  fanout[JobEvent]
	polls fanout[PollEvent]
}

func New() *Bus {
	return &Bus{
		jobs:  fanout[JobEvent]{subs: map[uint64]chan JobEvent{}},
		polls: fanout[PollEvent]{subs: map[uint64]chan PollEvent{}},
	}
}

func (b *Bus) PublishJob(e JobEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.jobs.publish(e)
}

func (b *Bus) PublishPoll(e PollEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.polls.publish(e)
}

// SubscribeJobs returns a buffered channel of job events and an idempotent
// unsubscribe func.
func (b *Bus) SubscribeJobs(buffer int) (<-chan JobEvent, func()) {
	return b.jobs.subscribe(buffer)
}

// SubscribePolls returns a buffered channel of poll summaries and an
// idempotent unsubscribe func.
func (b *Bus) SubscribePolls(buffer int) (<-chan PollEvent, func()) {
	return b.polls.subscribe(buffer)
}

// fanout is one typed subscriber set. It owns no goroutines.
type fanout[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64
}

func (f *fanout[T]) publish(e T) {
	// Snapshot subscribers so publish doesn't hold locks while sending.
	f.mu.RLock()
	chs := make([]chan T, 0, len(f.subs))
	for _, ch := range f.subs {
		chs = append(chs, ch)
	}
	f.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a full buffer drops the event. If the
		// subscriber unsubscribes concurrently and the channel closes,
		// recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (f *fanout[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := f.seq.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			// Closing is safe because publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
