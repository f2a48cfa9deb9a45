package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourcePipeline, Kind: KindRunStart})
	b.Emit(SourcePipeline, KindRunStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourcePipeline, KindSectionCreated, map[string]any{"run_id": "r1", "index": 2})

	select {
	case got := <-ch:
		if got.Source != SourcePipeline || got.Kind != KindSectionCreated {
			t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourcePipeline, KindSectionCreated)
		}
		if got.Timestamp.Before(before) {
			t.Errorf("timestamp %v is before publish time %v", got.Timestamp, before)
		}
		if got.Data["run_id"] != "r1" {
			t.Errorf("run_id = %v, want r1", got.Data["run_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	const n = 4
	subs := make([]<-chan Event, n)
	for i := range n {
		subs[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceToolhost, Kind: KindToolDone})

	for i, ch := range subs {
		select {
		case got := <-ch:
			if got.Kind != KindToolDone {
				t.Errorf("subscriber %d got kind %q, want %q", i, got.Kind, KindToolDone)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestFullSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindToolCall})
	b.Publish(Event{Kind: KindToolDone})

	if got := <-ch; got.Kind != KindToolCall {
		t.Errorf("got kind %q, want %q", got.Kind, KindToolCall)
	}
	select {
	case e := <-ch:
		t.Errorf("second event should have been dropped, got %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindRunComplete})
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
				b.Emit(SourceToolhost, KindToolCall, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
