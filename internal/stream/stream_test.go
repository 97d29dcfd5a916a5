package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFiltersByTenant(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, "")
	t1 := s.Subscribe(ctx, "t1")

	s.Publish(Event{ID: "e1", TenantID: "t2", Action: "revoke"})
	s.Publish(Event{ID: "e2", TenantID: "t1", Action: "revoke"})

	if got := (<-all).ID; got != "e1" {
		t.Fatalf("expected e1 first, got %s", got)
	}
	if got := (<-all).ID; got != "e2" {
		t.Fatalf("expected e2, got %s", got)
	}
	select {
	case evt := <-t1:
		if evt.ID != "e2" {
			t.Fatalf("tenant subscriber got %s", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("tenant subscriber received nothing")
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
