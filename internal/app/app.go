// Package app wires the dispatch engine together: config, storage, crypto,
// throttle, API client, token manager, dispatcher, poller and notifier, with
// a deterministic start and stop order.
package app

import (
	"context"
	"fmt"
	"time"

	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/eventbus"
	"postflow/internal/linkedin"
	"postflow/internal/notify"
	"postflow/internal/poll"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/store"
	"postflow/internal/throttle"
	"postflow/internal/token"
	logx "postflow/pkg/logx"
)

// App owns every long-lived component of the engine.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus        *eventbus.Bus
	store      *store.Store
	throttle   *throttle.Throttle
	client     *linkedin.Client
	tokens     *token.Manager
	dispatcher *dispatch.Service
	poller     *poll.Scheduler
	notifier   *notify.Service

	pollEnabled bool
	sup         *rtsup.Supervisor
}

// New builds the full component graph from a validated config.
func New(cfgMgr *config.Manager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgMgr: cfgMgr, logSvc: logSvc, log: log, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Value(0),
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	cipher, err := token.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}

	a.throttle = throttle.New(throttle.Options{
		MaxRequests: cfg.Throttle.MaxRequests,
		Per:         cfg.Throttle.Per.Value(time.Second),
		Concurrency: cfg.Throttle.Concurrency,
	})

	a.client = linkedin.NewClient(linkedin.Config{
		ClientID:       cfg.LinkedIn.ClientID,
		ClientSecret:   cfg.LinkedIn.ClientSecret,
		BaseURL:        cfg.LinkedIn.BaseURL,
		AuthBaseURL:    cfg.LinkedIn.AuthBaseURL,
		RequestTimeout: cfg.LinkedIn.RequestTimeout.Value(0),
	}, a.throttle, a.log.With(logx.String("comp", "linkedin")))

	a.tokens = token.NewManager(st, a.client, cipher,
		cfg.Dispatcher.RefreshMargin.Value(5*time.Minute),
		a.log.With(logx.String("comp", "token")))

	a.dispatcher = dispatch.New(dispatch.Config{
		Workers:       cfg.Dispatcher.Workers,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		BackoffBase:   cfg.Dispatcher.BackoffBase.Value(time.Minute),
		ClaimInterval: cfg.Dispatcher.ClaimInterval.Value(time.Second),
		ShutdownGrace: cfg.Dispatcher.ShutdownGrace.Value(30 * time.Second),
	}, st, a.tokens, publisherAdapter{a.client}, a.log.With(logx.String("comp", "dispatch")), a.bus)

	a.notifier = notify.New(notify.Config{
		Workers:   cfg.Notifier.Workers,
		QueueSize: cfg.Notifier.QueueSize,
		PerSecond: float64(cfg.Notifier.RatePerSec),
	}, nil, a.log.With(logx.String("comp", "notify")))

	a.pollEnabled = cfg.Poller.Enabled
	a.poller = poll.New(poll.Config{
		Interval:    cfg.Poller.Interval.Value(5 * time.Minute),
		Concurrency: cfg.Poller.Concurrency,
	}, st, a.tokens, a.client, poll.HandlerFunc(a.handlePriorityPosts), a.log.With(logx.String("comp", "poll")), a.bus)

	return nil
}

// publisherAdapter bridges the API client to the dispatcher's narrow
// Publisher interface.
type publisherAdapter struct {
	c *linkedin.Client
}

func (p publisherAdapter) Publish(ctx context.Context, req dispatch.PublishRequest) error {
	return p.c.Publish(ctx, linkedin.PublishRequest{
		PostID:      req.PostID,
		Content:     req.Content,
		AccessToken: req.AccessToken,
		AuthorURN:   req.AuthorURN,
	})
}

func (a *App) handlePriorityPosts(_ context.Context, accountID string, posts []linkedin.PriorityPost) error {
	a.notifier.Notifyf("priority posts", "%d new priority post(s) for account %s", len(posts), accountID)
	return nil
}

// Start brings the engine up: notifier first so early failures can notify,
// then the dispatcher, then the poller, then auxiliary loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.notifier.Start(ctx)
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if a.pollEnabled {
		if err := a.poller.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyConfigUpdates)
	a.sup.Go0("events.log", a.consumeEvents)

	a.log.Info("engine started", logx.Bool("poller", a.pollEnabled))
	return nil
}

// Stop shuts down in reverse order. New work stops first, in-flight work gets
// the dispatcher's grace window, storage closes last.
func (a *App) Stop(ctx context.Context) {
	if a.pollEnabled {
		a.poller.Stop()
	}
	a.dispatcher.Stop(ctx)
	a.notifier.Stop(ctx)
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store close failed", logx.Err(err))
	}
	a.log.Info("engine stopped")
	_ = a.logSvc.Close()
}

// Dispatcher exposes the scheduling API to the outer surface.
func (a *App) Dispatcher() *dispatch.Service { return a.dispatcher }

// Tokens exposes credential lifecycle operations (link, revoke).
func (a *App) Tokens() *token.Manager { return a.tokens }

// Store exposes the persistence layer.
func (a *App) Store() *store.Store { return a.store }

// Logger returns the root service logger.
func (a *App) Logger() logx.Logger { return a.log }

// applyConfigUpdates consumes validated config reloads. Only the logging
// section is applied live; everything else requires a restart and is logged
// as such.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			a.log.Info("config reloaded; non-logging changes take effect on restart")
		}
	}
}

// consumeEvents turns terminal job failures into operator notifications and
// keeps the bus drained.
func (a *App) consumeEvents(ctx context.Context) {
	ch, unsub := a.bus.SubscribeJobs(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != eventbus.JobFailed {
				continue
			}
			a.notifier.Notifyf("job failed", "post %s failed after %d attempt(s): %s", ev.PostID, ev.Attempt, ev.Error)
		}
	}
}
