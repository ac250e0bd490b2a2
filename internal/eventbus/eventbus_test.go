package eventbus

import (
	"testing"
	"time"

	"github.com/calimero-network/core/internal/ids"
)

func TestSubscribeContextFiltersOtherContexts(t *testing.T) {
	b := New()
	var ctxA, ctxB ids.ContextId
	ctxA[0] = 1
	ctxB[0] = 2

	sub := b.SubscribeContext(ctxA)
	defer sub.Unsubscribe()

	b.Publish(NodeEvent{ContextID: ctxB, Name: "ignored"})
	b.Publish(NodeEvent{ContextID: ctxA, Name: "wanted"})

	select {
	case ev := <-sub.Events:
		if ev.Name != "wanted" {
			t.Fatalf("got event %q, want %q", ev.Name, "wanted")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestSubscribeAllReceivesEveryContext(t *testing.T) {
	b := New()
	sub := b.SubscribeAll()
	defer sub.Unsubscribe()

	var ctxA, ctxB ids.ContextId
	ctxA[0] = 1
	ctxB[0] = 2
	b.Publish(NodeEvent{ContextID: ctxA, Name: "a"})
	b.Publish(NodeEvent{ContextID: ctxB, Name: "b"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events:
			got[ev.Name] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	if !got["a"] || !got["b"] {
		t.Fatalf("expected both events, got %v", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.SubscribeAll()
	sub.Unsubscribe()

	_, ok := <-sub.Events
	if ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}
