package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, f *Feed) Event {
	t.Helper()
	select {
	case ev, ok := <-f.C():
		if !ok {
			t.Fatal("feed closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindDeviceMessage})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestBusPublishStampsTimestamp(t *testing.T) {
	b := New()
	f := b.Subscribe(1)
	defer f.Close()

	b.Publish(Event{Kind: KindRoomMessage, Data: map[string]any{"room_id": "kitchen"}})

	got := recv(t, f)
	if got.Timestamp.IsZero() {
		t.Error("Publish should stamp a zero timestamp")
	}
	if got.Kind != KindRoomMessage {
		t.Errorf("Kind = %q, want %q", got.Kind, KindRoomMessage)
	}
}

func TestBusKeepsCallerTimestamp(t *testing.T) {
	b := New()
	f := b.Subscribe(1)
	defer f.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(Event{Kind: KindTrigger, Timestamp: at})
	if got := recv(t, f); !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestBusFansOut(t *testing.T) {
	b := New()
	feeds := make([]*Feed, 4)
	for i := range feeds {
		feeds[i] = b.Subscribe(8)
		defer feeds[i].Close()
	}

	b.Publish(Event{Kind: KindDeviceAbsent})

	for i, f := range feeds {
		if got := recv(t, f); got.Kind != KindDeviceAbsent {
			t.Errorf("feed %d: got %q", i, got.Kind)
		}
	}
}

func TestBusKindFilter(t *testing.T) {
	b := New()
	f := b.Subscribe(8, KindDeviceOffline, KindDeviceAbsent)
	defer f.Close()

	b.Publish(Event{Kind: KindDeviceMessage})
	b.Publish(Event{Kind: KindDeviceAbsent})
	b.Publish(Event{Kind: KindRoomMessage})

	if got := recv(t, f); got.Kind != KindDeviceAbsent {
		t.Errorf("got %q, want %q", got.Kind, KindDeviceAbsent)
	}
	select {
	case ev := <-f.C():
		t.Errorf("unexpected event %q", ev.Kind)
	default:
	}
	if f.Dropped() != 0 {
		t.Errorf("filtered events counted as dropped: %d", f.Dropped())
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := New()
	f := b.Subscribe(1)
	defer f.Close()

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})
	b.Publish(Event{Kind: "third"})

	if got := recv(t, f); got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	if got := f.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestFeedCloseIdempotent(t *testing.T) {
	b := New()
	f := b.Subscribe(8)

	f.Close()
	f.Close()

	if _, ok := <-f.C(); ok {
		t.Error("expected channel to be closed")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	b.Publish(Event{Kind: KindTrigger})
}

func TestBusConcurrentPublishAndClose(t *testing.T) {
	b := New()
	f := b.Subscribe(64)

	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range f.C() {
		}
	}()

	var pub sync.WaitGroup
	for range 8 {
		pub.Add(1)
		go func() {
			defer pub.Done()
			for range 100 {
				b.Publish(Event{Kind: KindDeviceMessage})
			}
		}()
	}

	pub.Wait()
	f.Close()
	drain.Wait()
}
