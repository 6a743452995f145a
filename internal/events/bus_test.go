package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindStage})
	b.ObserveTurn(time.Second, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d", got)
	}
}

func TestPublish_FanOut(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 3)
	for i := range subs {
		subs[i] = b.Subscribe(4)
	}
	defer func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceAPI, Kind: KindProfileUpdated, Data: map[string]any{"id": "u1"}})

	for i, ch := range subs {
		ev := receive(t, ch)
		if ev.Kind != KindProfileUpdated || ev.Data["id"] != "u1" {
			t.Errorf("subscriber %d got %+v", i, ev)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("subscriber %d: timestamp not set", i)
		}
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := receive(t, ch); got.Kind != "first" {
		t.Errorf("kind = %q, want first", got.Kind)
	}
	select {
	case ev := <-ch:
		t.Errorf("second event should have been dropped, got %+v", ev)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	if b.SubscriberCount() != 2 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a) // no-op
	if _, ok := <-a; ok {
		t.Error("channel should be closed")
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(c)
	b.Publish(Event{Kind: KindStage}) // no subscribers left
}

func TestObserver(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.ObserveStage("correction", 1500*time.Millisecond, "suggestion")
	ev := receive(t, ch)
	if ev.Source != SourceOrchestrator || ev.Kind != KindStage ||
		ev.Data["stage"] != "correction" || ev.Data["outcome"] != "suggestion" || ev.Data["elapsed_ms"] != int64(1500) {
		t.Errorf("stage event = %+v", ev)
	}

	b.ObserveTurn(time.Second, errors.New("reply generation failed"))
	ev = receive(t, ch)
	if ev.Kind != KindTurnComplete || ev.Data["ok"] != false || ev.Data["error"] != "reply generation failed" {
		t.Errorf("turn event = %+v", ev)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(32)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 50 {
				b.ObserveStage("topic", time.Duration(i*j), "ok")
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
