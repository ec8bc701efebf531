package dispatch

import (
	"context"
	"errors"
	"time"

	"postflow/internal/eventbus"
	"postflow/internal/store"
	"postflow/internal/token"
	logx "postflow/pkg/logx"
)

// worker is one claim loop. Several run concurrently; the store's atomic
// claim keeps them from ever executing the same job twice.
func (s *Service) worker(ctx context.Context, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		if ctx.Err() != nil {
			return
		}

		j, ok, err := s.st.ClaimDueJob(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", logx.Err(err))
			s.sleep(ctx, s.cfg.ClaimInterval)
			continue
		}
		if ok {
			s.execute(ctx, log, j)
			continue
		}

		s.idle(ctx)
	}
}

// idle sleeps until the next pending job is due, a new job is scheduled, or
// the claim interval elapses, whichever comes first.
func (s *Service) idle(ctx context.Context) {
	wait := s.cfg.ClaimInterval
	if next, ok, err := s.st.NextDueAt(ctx); err == nil && ok {
		if d := time.Until(next); d <= 0 {
			return
		} else if d < wait {
			wait = d
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-t.C:
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// execute runs one claimed attempt end to end. Whatever happens, the job
// leaves the inflight state before this returns.
func (s *Service) execute(ctx context.Context, log logx.Logger, j store.Job) {
	attempt := j.AttemptsMade + 1
	started := time.Now()
	log.Info("executing job", logx.String("job", j.ID), logx.String("post", j.PostID), logx.Int("attempt", attempt))
	s.emit(eventbus.JobEvent{Kind: eventbus.JobStarted, JobID: j.ID, PostID: j.PostID, Attempt: attempt})

	post, err := s.st.GetPost(ctx, j.PostID)
	if errors.Is(err, store.ErrPostNotFound) {
		// The payload is gone; retrying can never succeed.
		log.Error("post missing, discarding job", logx.String("job", j.ID), logx.String("post", j.PostID))
		if derr := s.st.DiscardJob(ctx, j.ID); derr != nil {
			log.Error("discard failed", logx.String("job", j.ID), logx.Err(derr))
		}
		s.discarded.Add(1)
		s.emit(eventbus.JobEvent{Kind: eventbus.JobFailed, JobID: j.ID, PostID: j.PostID, Attempt: attempt, Error: "post not found"})
		return
	}
	if err != nil {
		s.fail(ctx, log, j, attempt, err)
		return
	}

	tok, err := s.tokens.ValidToken(ctx, post.AccountID)
	if errors.Is(err, token.ErrNotLinked) {
		// No credential row exists, so no number of retries will help.
		s.exhaust(ctx, log, j, attempt, err)
		return
	}
	if err != nil {
		s.fail(ctx, log, j, attempt, err)
		return
	}

	if err := s.pub.Publish(ctx, PublishRequest{
		PostID:      post.ID,
		Content:     post.Content,
		AccessToken: tok.AccessToken,
		AuthorURN:   tok.AuthorURN,
	}); err != nil {
		s.fail(ctx, log, j, attempt, err)
		return
	}

	now := time.Now()
	if err := s.st.MarkPostPublished(ctx, post.ID, now); err != nil {
		log.Error("publish status write failed", logx.String("post", post.ID), logx.Err(err))
	}
	if err := s.st.CompleteJob(ctx, j.ID); err != nil {
		log.Error("job completion write failed", logx.String("job", j.ID), logx.Err(err))
	}
	s.published.Add(1)
	s.emit(eventbus.JobEvent{Kind: eventbus.JobPublished, JobID: j.ID, PostID: j.PostID, Attempt: attempt, Took: now.Sub(started)})
	log.Info("post published", logx.String("job", j.ID), logx.String("post", j.PostID), logx.Int("attempt", attempt), logx.Duration("took", now.Sub(started)))
}

// fail records a failed attempt and either re-enqueues with backoff or, on
// the final attempt, exhausts the job.
func (s *Service) fail(ctx context.Context, log logx.Logger, j store.Job, attempt int, cause error) {
	msg := cause.Error()
	if err := s.st.MarkPostFailed(ctx, j.PostID, msg); err != nil && !errors.Is(err, store.ErrPostNotFound) {
		log.Error("failure status write failed", logx.String("post", j.PostID), logx.Err(err))
	}

	if attempt >= j.MaxAttempts {
		if err := s.st.ExhaustJob(ctx, j.ID, msg); err != nil {
			log.Error("exhaust write failed", logx.String("job", j.ID), logx.Err(err))
		}
		s.exhausted.Add(1)
		s.emit(eventbus.JobEvent{Kind: eventbus.JobFailed, JobID: j.ID, PostID: j.PostID, Attempt: attempt, Error: msg})
		log.Error("job exhausted", logx.String("job", j.ID), logx.String("post", j.PostID), logx.Int("attempts", attempt), logx.Err(cause))
		return
	}

	delay := backoffDelay(j.BackoffBase, attempt)
	next := time.Now().Add(delay)
	if err := s.st.RetryJob(ctx, j.ID, next, msg); err != nil {
		log.Error("retry write failed", logx.String("job", j.ID), logx.Err(err))
		return
	}
	s.retried.Add(1)
	s.emit(eventbus.JobEvent{Kind: eventbus.JobRetry, JobID: j.ID, PostID: j.PostID, Attempt: attempt, Delay: delay, Error: msg})
	log.Warn("job attempt failed, retrying", logx.String("job", j.ID), logx.String("post", j.PostID), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(cause))
}

// exhaust terminates the job immediately regardless of remaining attempts,
// for errors that cannot heal on their own.
func (s *Service) exhaust(ctx context.Context, log logx.Logger, j store.Job, attempt int, cause error) {
	msg := cause.Error()
	if err := s.st.MarkPostFailed(ctx, j.PostID, msg); err != nil && !errors.Is(err, store.ErrPostNotFound) {
		log.Error("failure status write failed", logx.String("post", j.PostID), logx.Err(err))
	}
	if err := s.st.ExhaustJob(ctx, j.ID, msg); err != nil {
		log.Error("exhaust write failed", logx.String("job", j.ID), logx.Err(err))
	}
	s.exhausted.Add(1)
	s.emit(eventbus.JobEvent{Kind: eventbus.JobFailed, JobID: j.ID, PostID: j.PostID, Attempt: attempt, Error: msg})
	log.Error("job failed terminally", logx.String("job", j.ID), logx.String("post", j.PostID), logx.Err(cause))
}

// backoffDelay doubles per completed attempt: base after the first failure,
// 2*base after the second, and so on.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}

func (s *Service) emit(e eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.PublishJob(e)
}
