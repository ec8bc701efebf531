// Package dispatch turns "publish at time T" requests into guaranteed,
// retried, failure-tracked executions.
//
// The queue lives in SQLite so due-but-unclaimed jobs survive restarts; a
// bounded pool of workers claims the earliest due job exclusively and runs
// the publish workflow (token check -> publish -> terminal status write).
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postflow/internal/eventbus"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/store"
	"postflow/internal/token"
	logx "postflow/pkg/logx"
)

// ErrInvalidSchedule rejects schedule requests whose execution time is not
// strictly in the future. No job is created.
var ErrInvalidSchedule = errors.New("scheduled time must be in the future")

// Config controls the worker pool and retry policy.
//
// Defaults (applied in New): 5 workers, 3 attempts, 60s backoff base,
// 1s claim interval, 30s shutdown grace.
type Config struct {
	Workers       int
	MaxAttempts   int
	BackoffBase   time.Duration
	ClaimInterval time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// PublishRequest is what the dispatcher hands the publisher per attempt.
type PublishRequest struct {
	PostID      string
	Content     string
	AccessToken string
	AuthorURN   string
}

// Publisher performs the actual external call. The production implementation
// is the throttled API client; tests inject fakes.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) error
}

// TokenSource resolves a valid credential for an account before each attempt.
type TokenSource interface {
	ValidToken(ctx context.Context, accountID string) (token.Token, error)
}

// Service is the dispatcher: scheduling API plus the worker pool.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	running bool
	sup     *rtsup.Supervisor

	st     *store.Store
	tokens TokenSource
	pub    Publisher
	log    logx.Logger
	bus    *eventbus.Bus

	// wake nudges idle workers when a new job lands.
	wake chan struct{}

	published atomic.Uint64
	retried   atomic.Uint64
	exhausted atomic.Uint64
	discarded atomic.Uint64
}

func New(cfg Config, st *store.Store, tokens TokenSource, pub Publisher, log logx.Logger, bus *eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		st:     st,
		tokens: tokens,
		pub:    pub,
		log:    log,
		bus:    bus,
		wake:   make(chan struct{}, 1),
	}
}

// Schedule enqueues a publish job for the post at executeAt.
//
// The post flips draft->scheduled as part of accepting the request. Workers
// will not touch the job before its due time.
func (s *Service) Schedule(ctx context.Context, postID string, executeAt time.Time) (store.Job, error) {
	if !executeAt.After(time.Now()) {
		return store.Job{}, ErrInvalidSchedule
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := store.Job{
		ID:          uuid.NewString(),
		PostID:      postID,
		RunAt:       executeAt,
		State:       store.JobPending,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
	}
	if err := s.st.InsertJob(ctx, j); err != nil {
		return store.Job{}, err
	}
	// Job first, status second: if the post is gone the job is removed again
	// and no partial state remains. The reverse order could strand a post in
	// scheduled with no job backing it.
	if err := s.st.MarkPostScheduled(ctx, postID, executeAt); err != nil {
		if derr := s.st.DiscardJob(ctx, j.ID); derr != nil {
			s.log.Error("orphaned job cleanup failed", logx.String("job", j.ID), logx.Err(derr))
		}
		return store.Job{}, err
	}
	s.log.Debug("job scheduled", logx.String("job", j.ID), logx.String("post", postID), logx.Time("run_at", executeAt))
	s.wakeWorkers()
	return j, nil
}

// Start requeues orphaned in-flight jobs and launches the worker pool.
// It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Worker failures should not hard-kill the app; workers self-heal.
		rtsup.WithCancelOnError(false),
	)
	s.running = true
	sup := s.sup
	s.mu.Unlock()

	n, err := s.st.RequeueInflight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("requeued orphaned in-flight jobs", logx.Int64("count", n))
	}

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(workerName(idx), func(c context.Context) error {
			s.worker(c, idx)
			return c.Err()
		})
	}

	s.log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("max_attempts", cfg.MaxAttempts), logx.Duration("backoff_base", cfg.BackoffBase))
	return nil
}

// Stop ends claiming immediately and gives in-flight jobs a bounded grace
// period. Jobs still due but unclaimed stay pending for the next start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	grace := s.cfg.ShutdownGrace
	s.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("dispatcher stop timed out", logx.Any("err", err))
		return
	}
	s.log.Info("dispatcher stopped")
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int
	Published uint64
	Retried   uint64
	Exhausted uint64
	Discarded uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	w := s.cfg.Workers
	s.mu.Unlock()
	return Snapshot{
		Workers:   w,
		Published: s.published.Load(),
		Retried:   s.retried.Load(),
		Exhausted: s.exhausted.Load(),
		Discarded: s.discarded.Load(),
	}
}

func (s *Service) wakeWorkers() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func workerName(idx int) string {
	return "worker." + strconv.Itoa(idx)
}
