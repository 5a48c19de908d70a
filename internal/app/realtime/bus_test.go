package realtime

import (
	"testing"
	"time"

	"github.com/buildforge/controlplane/internal/app/domain/event"
)

func TestBusPublishIsScopedToRoom(t *testing.T) {
	bus := NewBus()
	sessionRoom := event.SessionRoom("s1")
	otherRoom := event.SessionRoom("s2")

	sub := bus.Subscribe(sessionRoom, 4)
	defer bus.Unsubscribe(sessionRoom, sub)

	bus.Publish(event.Event{SessionID: "s2", Type: event.TypeSessionUpdate})
	bus.Publish(event.Event{SessionID: "s1", Type: event.TypeSessionUpdate})

	select {
	case e := <-sub:
		if e.SessionID != "s1" {
			t.Fatalf("expected event scoped to s1, got %q", e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected to receive event for subscribed room")
	}

	if n := bus.SubscriberCount(otherRoom); n != 0 {
		t.Fatalf("expected no subscribers for unrelated room, got %d", n)
	}
}

func TestBusDropsOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	room := event.TicketRoom("tk1")
	sub := bus.Subscribe(room, 1)
	defer bus.Unsubscribe(room, sub)

	bus.Publish(event.Event{TicketID: "tk1", Type: event.TypeTicketActivity})
	bus.Publish(event.Event{TicketID: "tk1", Type: event.TypeTicketActivity})

	if len(sub) != 1 {
		t.Fatalf("expected buffer to hold exactly 1 event after drop, got %d", len(sub))
	}
}

func TestUnsubscribeClosesChannelAndReleasesRoom(t *testing.T) {
	bus := NewBus()
	room := event.SessionRoom("s1")
	sub := bus.Subscribe(room, 1)

	bus.Unsubscribe(room, sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if n := bus.SubscriberCount(room); n != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", n)
	}
}
