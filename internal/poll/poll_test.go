package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postflow/internal/linkedin"
	"postflow/internal/token"
	logx "postflow/pkg/logx"
)

type fakeAccounts struct {
	ids []string
	err error
}

func (f *fakeAccounts) ListAccountIDs(context.Context) ([]string, error) {
	return f.ids, f.err
}

type fakeTokens struct {
	failFor map[string]error
}

func (f *fakeTokens) ValidToken(_ context.Context, accountID string) (token.Token, error) {
	if err := f.failFor[accountID]; err != nil {
		return token.Token{}, err
	}
	return token.Token{AccountID: accountID, AccessToken: "tok-" + accountID}, nil
}

type fakeFeed struct {
	mu       sync.Mutex
	inflight int32
	peak     int32
	delay    time.Duration
	posts    []linkedin.PriorityPost
	fetched  []string
}

func (f *fakeFeed) FetchPriorityPosts(ctx context.Context, accessToken string) ([]linkedin.PriorityPost, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, accessToken)
	f.mu.Unlock()
	return f.posts, nil
}

type recordingHandler struct {
	mu    sync.Mutex
	calls map[string]int
}

func (h *recordingHandler) HandlePriorityPosts(_ context.Context, accountID string, posts []linkedin.PriorityPost) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = map[string]int{}
	}
	h.calls[accountID] += len(posts)
	return nil
}

func TestStartTwiceFails(t *testing.T) {
	s := New(Config{Interval: time.Hour}, &fakeAccounts{}, &fakeTokens{}, &fakeFeed{}, nil, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopThenStartAllowed(t *testing.T) {
	s := New(Config{Interval: time.Hour}, &fakeAccounts{}, &fakeTokens{}, &fakeFeed{}, nil, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
	s.Stop() // stopping twice is a no-op
}

func TestRunOnceSweepsAllAccounts(t *testing.T) {
	feed := &fakeFeed{posts: []linkedin.PriorityPost{{URN: "urn:1"}, {URN: "urn:2"}}}
	h := &recordingHandler{}
	s := New(Config{},
		&fakeAccounts{ids: []string{"a", "b", "c"}},
		&fakeTokens{}, feed, h, logx.Nop(), nil)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if h.calls[id] != 2 {
			t.Fatalf("account %s handled %d posts, want 2", id, h.calls[id])
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = "acct-" + string(rune('a'+i))
	}
	feed := &fakeFeed{delay: 30 * time.Millisecond}
	s := New(Config{Concurrency: 3}, &fakeAccounts{ids: ids}, &fakeTokens{}, feed, nil, logx.Nop(), nil)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if peak := atomic.LoadInt32(&feed.peak); peak > 3 {
		t.Fatalf("peak concurrent fetches = %d, want <= 3", peak)
	}
	if len(feed.fetched) != len(ids) {
		t.Fatalf("fetched %d accounts, want %d", len(feed.fetched), len(ids))
	}
}

func TestAccountFailureIsIsolated(t *testing.T) {
	feed := &fakeFeed{posts: []linkedin.PriorityPost{{URN: "urn:1"}}}
	h := &recordingHandler{}
	s := New(Config{},
		&fakeAccounts{ids: []string{"good", "bad", "also-good"}},
		&fakeTokens{failFor: map[string]error{"bad": errors.New("refresh down")}},
		feed, h, logx.Nop(), nil)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls["good"] != 1 || h.calls["also-good"] != 1 {
		t.Fatalf("healthy accounts not swept: %v", h.calls)
	}
	if h.calls["bad"] != 0 {
		t.Fatalf("failed account reached the handler")
	}
}

func TestStopWaitsForInflightCycle(t *testing.T) {
	feed := &fakeFeed{delay: 400 * time.Millisecond, posts: []linkedin.PriorityPost{{URN: "urn:1"}}}
	h := &recordingHandler{}
	s := New(Config{Interval: time.Second}, &fakeAccounts{ids: []string{"a"}}, &fakeTokens{}, feed, h, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first tick's fetch to be in flight.
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&feed.inflight) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&feed.inflight) == 0 {
		t.Fatalf("no sweep started")
	}

	s.Stop()

	// Stop ends the cadence but must let the running sweep complete: the
	// fetch finishes without cancellation and the handler still runs.
	feed.mu.Lock()
	fetched := len(feed.fetched)
	feed.mu.Unlock()
	if fetched != 1 {
		t.Fatalf("in-flight fetch aborted by Stop: completed fetches = %d, want 1", fetched)
	}
	h.mu.Lock()
	handled := h.calls["a"]
	h.mu.Unlock()
	if handled != 1 {
		t.Fatalf("handler calls = %d, want 1", handled)
	}
	if got := s.cycles.Load(); got != 1 {
		t.Fatalf("cycles = %d, want 1", got)
	}
}

func TestOverlapSkipped(t *testing.T) {
	feed := &fakeFeed{delay: 200 * time.Millisecond}
	s := New(Config{}, &fakeAccounts{ids: []string{"a"}}, &fakeTokens{}, feed, nil, logx.Nop(), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunOnce(context.Background())
	}()

	// Give the first sweep time to claim the gate, then try to overlap.
	time.Sleep(50 * time.Millisecond)
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("overlapping RunOnce: %v", err)
	}
	wg.Wait()

	if got := s.skipped.Load(); got != 1 {
		t.Fatalf("skipped = %d, want 1", got)
	}
	if got := s.cycles.Load(); got != 1 {
		t.Fatalf("cycles = %d, want 1", got)
	}
}
