// Package notify delivers operator-facing notifications (new priority posts,
// exhausted jobs) without ever blocking the producers.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "postflow/internal/runtime/supervisor"
	logx "postflow/pkg/logx"
)

// Notification is one message for the operator channel.
type Notification struct {
	Subject string
	Body    string
	Time    time.Time
}

// Sink delivers a notification to its destination. Delivery errors are
// logged, not propagated; notifications are best-effort by design.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the service log. It is the default sink
// when no external channel is configured.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Log.Info("notification", logx.String("subject", n.Subject), logx.String("body", n.Body))
	return nil
}

// Config bounds the notifier. Zero values fall back to 1 worker, a 64-deep
// queue and 1 delivery per second.
type Config struct {
	Workers   int
	QueueSize int
	PerSecond float64
	Burst     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PerSecond <= 0 {
		c.PerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Service fans queued notifications out to the sink, rate limited so a burst
// of failures cannot flood the operator channel.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sink    Sink
	log     logx.Logger
	lim     *rate.Limiter
	queue   chan Notification
	sup     *rtsup.Supervisor
	running bool
	dropped uint64
}

func New(cfg Config, sink Sink, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Service{
		cfg:   cfg,
		sink:  sink,
		log:   log,
		lim:   rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst),
		queue: make(chan Notification, cfg.QueueSize),
	}
}

// Notify enqueues without blocking. When the queue is full the notification
// is dropped and counted; producers must never stall on the operator channel.
func (s *Service) Notify(subject, body string) {
	n := Notification{Subject: subject, Body: body, Time: time.Now()}
	select {
	case s.queue <- n:
	default:
		s.mu.Lock()
		s.dropped++
		d := s.dropped
		s.mu.Unlock()
		s.log.Warn("notification dropped, queue full", logx.String("subject", subject), logx.Uint64("dropped_total", d))
	}
}

// Notifyf is Notify with a formatted body.
func (s *Service) Notifyf(subject, format string, args ...any) {
	s.Notify(subject, fmt.Sprintf(format, args...))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("sender.%d", i), s.senderLoop)
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) senderLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.queue:
			if err := s.lim.Wait(ctx); err != nil {
				return err
			}
			if err := s.sink.Send(ctx, n); err != nil {
				s.log.Error("notification delivery failed", logx.String("subject", n.Subject), logx.Err(err))
			}
		}
	}
}

// Dropped reports how many notifications were discarded due to a full queue.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
