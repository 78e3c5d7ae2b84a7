package events

import (
	"testing"
	"time"
)

func TestPublishAndReceive(t *testing.T) {
	bus := NewBus(4)
	bus.Publish(Event{Kind: PeerDiscovered, PeerID: "peer:abc"})

	select {
	case evt := <-bus.Events():
		if evt.Kind != PeerDiscovered || evt.PeerID != "peer:abc" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestProgressEventsDropOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	bus.Publish(Event{Kind: DownloadProgress, Hash: "h1", Bytes: 1})
	bus.Publish(Event{Kind: DownloadProgress, Hash: "h1", Bytes: 2})
	// Bus is now full (capacity 2). A third progress event should drop the
	// oldest queued one rather than block.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Kind: DownloadProgress, Hash: "h1", Bytes: 3})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish of a non-critical event blocked on a full bus")
	}

	first := <-bus.Events()
	if first.Bytes != 2 {
		t.Errorf("expected oldest event (bytes=1) to have been dropped, got first remaining bytes=%d", first.Bytes)
	}
}

func TestCriticalEventsNeverDropped(t *testing.T) {
	bus := NewBus(1)
	bus.Publish(Event{Kind: DownloadProgress, Hash: "h1", Bytes: 1})

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Kind: DownloadFailed, Hash: "h1", Reason: "no_seeders"})
		close(done)
	}()

	// Drain the progress event so the blocked critical publish can land.
	select {
	case <-bus.Events():
	case <-time.After(time.Second):
		t.Fatal("could not drain bus")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("critical Publish never unblocked after drain")
	}

	evt := <-bus.Events()
	if evt.Kind != DownloadFailed {
		t.Errorf("expected DownloadFailed to survive, got %v", evt.Kind)
	}
}
