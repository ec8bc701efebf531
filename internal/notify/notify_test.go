package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "postflow/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureSink) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	c.sent = append(c.sent, n)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestDeliversQueuedNotifications(t *testing.T) {
	sink := &captureSink{}
	s := New(Config{Workers: 1, QueueSize: 16, PerSecond: 1000, Burst: 16}, sink, logx.Nop())

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	s.Notify("a", "one")
	s.Notifyf("b", "two %d", 2)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 2 {
		t.Fatalf("delivered %d notifications, want 2", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.sent[1].Body != "two 2" {
		t.Fatalf("body = %q", sink.sent[1].Body)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	sink := &captureSink{}
	// Not started: nothing drains the queue.
	s := New(Config{Workers: 1, QueueSize: 2, PerSecond: 1000}, sink, logx.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Notify("subj", "body")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked on a full queue")
	}
	if got := s.Dropped(); got != 8 {
		t.Fatalf("dropped = %d, want 8", got)
	}
}
