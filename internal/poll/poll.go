// Package poll sweeps every linked account for new priority posts on a fixed
// cadence. Cycles never overlap: a tick that fires while the previous sweep is
// still running is skipped, not queued. Stopping the cadence lets an in-flight
// sweep finish; only process shutdown (the Start context) aborts one.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"postflow/internal/eventbus"
	"postflow/internal/linkedin"
	"postflow/internal/token"
	logx "postflow/pkg/logx"
)

// ErrAlreadyStarted is returned when Start is called on a running poller.
var ErrAlreadyStarted = errors.New("poller already started")

// Config controls cadence and fan-out. Defaults: 5m interval, 5 accounts
// swept concurrently.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// AccountLister enumerates the accounts to sweep each cycle.
type AccountLister interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// TokenSource resolves a valid credential per account before fetching.
type TokenSource interface {
	ValidToken(ctx context.Context, accountID string) (token.Token, error)
}

// Feed fetches the priority-post feed for one credential.
type Feed interface {
	FetchPriorityPosts(ctx context.Context, accessToken string) ([]linkedin.PriorityPost, error)
}

// Handler receives the posts found for one account. Errors are logged only.
type Handler interface {
	HandlePriorityPosts(ctx context.Context, accountID string, posts []linkedin.PriorityPost) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, accountID string, posts []linkedin.PriorityPost) error

func (f HandlerFunc) HandlePriorityPosts(ctx context.Context, accountID string, posts []linkedin.PriorityPost) error {
	return f(ctx, accountID, posts)
}

// Scheduler runs the periodic sweep.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	started bool

	accounts AccountLister
	tokens   TokenSource
	feed     Feed
	handler  Handler
	log      logx.Logger
	bus      *eventbus.Bus

	// busy gates overlap: 0 idle, 1 sweeping.
	busy    atomic.Int32
	skipped atomic.Uint64
	cycles  atomic.Uint64
}

func New(cfg Config, accounts AccountLister, tokens TokenSource, feed Feed, handler Handler, log logx.Logger, bus *eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		accounts: accounts,
		tokens:   tokens,
		feed:     feed,
		handler:  handler,
		log:      log,
		bus:      bus,
	}
}

// Start begins the periodic sweep. Starting twice is an error; Stop then
// Start is allowed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx = ctx
	s.cron = cron.New()
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.tick)
	if err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.started = true
	s.log.Info("poller started", logx.Duration("interval", s.cfg.Interval), logx.Int("concurrency", s.cfg.Concurrency))
	return nil
}

// Stop halts the cadence and waits for any sweep in progress to finish.
// Sweeps run under the Start context, so only process shutdown cuts one
// short. Safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info("poller stopped", logx.Uint64("cycles", s.cycles.Load()), logx.Uint64("skipped", s.skipped.Load()))
}

// tick runs one sweep unless the previous one is still going.
func (s *Scheduler) tick() {
	if !s.busy.CompareAndSwap(0, 1) {
		s.skipped.Add(1)
		s.log.Warn("poll cycle still running, skipping tick", logx.Uint64("skipped_total", s.skipped.Load()))
		return
	}
	defer s.busy.Store(0)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.sweep(ctx)
}

// RunOnce performs a single sweep immediately, outside the cadence. Used by
// tests and manual triggers; it shares the overlap gate with the ticker.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.busy.CompareAndSwap(0, 1) {
		s.skipped.Add(1)
		return nil
	}
	defer s.busy.Store(0)
	s.sweep(ctx)
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	started := time.Now()
	ids, err := s.accounts.ListAccountIDs(ctx)
	if err != nil {
		s.log.Error("poll cycle: listing accounts failed", logx.Err(err))
		return
	}

	var failed, found atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		accountID := id
		g.Go(func() error {
			if err := s.sweepAccount(gctx, accountID, &found); err != nil {
				failed.Add(1)
				s.log.Error("poll cycle: account sweep failed", logx.String("account", accountID), logx.Err(err))
			}
			// One bad account must not abort the cycle.
			return nil
		})
	}
	_ = g.Wait()

	s.cycles.Add(1)
	took := time.Since(started)
	s.log.Info("poll cycle finished",
		logx.Int("accounts", len(ids)),
		logx.Int64("failed", failed.Load()),
		logx.Int64("posts", found.Load()),
		logx.Duration("took", took),
	)
	if s.bus != nil {
		s.bus.PublishPoll(eventbus.PollEvent{
			Accounts: len(ids),
			Failed:   int(failed.Load()),
			Posts:    int(found.Load()),
			Took:     took,
		})
	}
}

func (s *Scheduler) sweepAccount(ctx context.Context, accountID string, found *atomic.Int64) error {
	tok, err := s.tokens.ValidToken(ctx, accountID)
	if err != nil {
		return err
	}
	posts, err := s.feed.FetchPriorityPosts(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}
	found.Add(int64(len(posts)))
	if s.handler == nil {
		return nil
	}
	return s.handler.HandlePriorityPosts(ctx, accountID, posts)
}
