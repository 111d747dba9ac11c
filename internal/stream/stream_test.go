package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	s.Publish(ApprovalEvent{Kind: "requested", RequestID: "req-1"})

	for name, ch := range map[string]<-chan ApprovalEvent{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.RequestID != "req-1" {
				t.Fatalf("%s: unexpected event: %+v", name, evt)
			}
			if evt.Timestamp.IsZero() {
				t.Fatalf("%s: timestamp not stamped", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event received", name)
		}
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after unsubscribe must not panic or block.
	s.Publish(ApprovalEvent{Kind: "resolved", RequestID: "req-2"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(ApprovalEvent{RequestID: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
