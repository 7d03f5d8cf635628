package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestBroadcaster(max int) *Broadcaster {
	return NewBroadcaster(max, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubscribeDeliversConnectedEvent(t *testing.T) {
	b := newTestBroadcaster(0)

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.ID() == "" {
		t.Error("subscriber has empty connection id")
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != "connected" {
			t.Errorf("first event type = %q, want connected", ev.Type)
		}
		if ev.ConnectionID != sub.ID() {
			t.Errorf("connected event carries id %q, want %q", ev.ConnectionID, sub.ID())
		}
	default:
		t.Fatal("no connected event buffered after Subscribe")
	}
}

func TestSubscribeEnforcesCap(t *testing.T) {
	b := newTestBroadcaster(2)

	first, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe #1: %v", err)
	}
	if _, err := b.Subscribe(); err != nil {
		t.Fatalf("Subscribe #2: %v", err)
	}

	if _, err := b.Subscribe(); err != ErrTooManyConnections {
		t.Fatalf("Subscribe #3 = %v, want ErrTooManyConnections", err)
	}
	if got := b.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	// Unsubscribing frees a slot.
	b.Unsubscribe(first.ID())
	if _, err := b.Subscribe(); err != nil {
		t.Errorf("Subscribe after Unsubscribe: %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroadcaster(0)

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-sub.Events() // connected

	b.Unsubscribe(sub.ID())
	if _, ok := <-sub.Events(); ok {
		t.Error("events channel still open after Unsubscribe")
	}

	// Unknown id is a no-op.
	b.Unsubscribe("no-such-connection")
}

func TestPublishFansOut(t *testing.T) {
	b := newTestBroadcaster(0)

	var subs []*Subscriber
	for n := 0; n < 3; n++ {
		sub, err := b.Subscribe()
		if err != nil {
			t.Fatalf("Subscribe #%d: %v", n+1, err)
		}
		<-sub.Events() // drain connected
		subs = append(subs, sub)
	}

	b.Publish(Event{Type: "reaction", PostURI: "at://p/1", EmojiKey: "unicode:👍", Count: 2})

	for n, sub := range subs {
		select {
		case ev := <-sub.Events():
			if ev.Type != "reaction" || ev.Count != 2 {
				t.Errorf("subscriber #%d got %+v", n+1, ev)
			}
		default:
			t.Errorf("subscriber #%d received nothing", n+1)
		}
	}
}

func TestPublishDropsFullSubscriber(t *testing.T) {
	b := newTestBroadcaster(0)

	slow, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe slow: %v", err)
	}
	healthy, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe healthy: %v", err)
	}
	<-healthy.Events() // drain connected; slow keeps its buffer filling

	// The connected event occupies one slot already.
	for n := 0; n < subscriberBuffer; n++ {
		b.Publish(Event{Type: "keepalive"})
	}

	if b.Count() != 1 {
		t.Fatalf("Count = %d, want slow subscriber dropped", b.Count())
	}
	if _, ok := b.subs[healthy.ID()]; !ok {
		t.Error("healthy subscriber was removed instead of the slow one")
	}

	// The dropped subscriber's channel is closed after its buffer drains.
	drained := 0
	for range slow.Events() {
		drained++
	}
	if drained != subscriberBuffer {
		t.Errorf("slow subscriber buffered %d events, want %d", drained, subscriberBuffer)
	}
}

func TestKeepaliveLoopStopsOnCancel(t *testing.T) {
	b := newTestBroadcaster(0)

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-sub.Events() // connected

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.KeepaliveLoop(ctx, time.Millisecond)
		close(done)
	}()

	select {
	case ev := <-sub.Events():
		if ev.Type != "keepalive" {
			t.Errorf("event type = %q, want keepalive", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no keepalive delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive loop did not stop on cancel")
	}
}
