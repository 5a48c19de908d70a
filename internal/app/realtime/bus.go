// Package realtime fans out domain events to subscribed clients over
// WebSocket, scoped to a room (a session or a ticket) so concurrent
// dialogues and builds never cross-talk.
package realtime

import (
	"sync"

	"github.com/buildforge/controlplane/internal/app/domain/event"
)

// DefaultSubscriberBuffer is the channel depth given to each subscriber;
// a slow consumer drops events rather than blocking the publisher.
const DefaultSubscriberBuffer = 64

// roomBus is a non-blocking broadcast bus scoped to a single room.
// Subscribers receive events on buffered channels; a full channel drops
// the event for that subscriber instead of blocking Publish.
type roomBus struct {
	mu         sync.RWMutex
	subs       map[chan event.Event]struct{}
	recvToSend map[<-chan event.Event]chan event.Event
}

func newRoomBus() *roomBus {
	return &roomBus{
		subs:       make(map[chan event.Event]struct{}),
		recvToSend: make(map[<-chan event.Event]chan event.Event),
	}
}

func (b *roomBus) publish(e event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *roomBus) subscribe(bufSize int) <-chan event.Event {
	ch := make(chan event.Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

func (b *roomBus) unsubscribe(ch <-chan event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

func (b *roomBus) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Bus is a collection of per-room buses. Rooms are created lazily on
// first subscribe and garbage collected once their last subscriber
// leaves, so a long-lived process never accumulates empty room state
// for completed sessions.
type Bus struct {
	mu    sync.Mutex
	rooms map[event.Room]*roomBus
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{rooms: make(map[event.Room]*roomBus)}
}

// Publish fans e out to every subscriber of its session room and ticket
// room (an event carries at most one of SessionID/TicketID in practice,
// but both rooms are checked since ticket:activity events also belong to
// their owning session's room for dashboard consumers). Safe to call on
// a nil *Bus.
func (b *Bus) Publish(e event.Event) {
	if b == nil {
		return
	}
	if e.SessionID != "" {
		b.roomFor(event.SessionRoom(e.SessionID), false).publish(e)
	}
	if e.TicketID != "" {
		b.roomFor(event.TicketRoom(e.TicketID), false).publish(e)
	}
}

// Subscribe returns a channel of events published to room. The caller
// must call Unsubscribe to release it.
func (b *Bus) Subscribe(room event.Room, bufSize int) <-chan event.Event {
	return b.roomFor(room, true).subscribe(bufSize)
}

// Unsubscribe removes a subscription from room and closes its channel.
func (b *Bus) Unsubscribe(room event.Room, ch <-chan event.Event) {
	b.mu.Lock()
	rb, ok := b.rooms[room]
	b.mu.Unlock()
	if !ok {
		return
	}
	rb.unsubscribe(ch)

	b.mu.Lock()
	defer b.mu.Unlock()
	if rb.subscriberCount() == 0 {
		delete(b.rooms, room)
	}
}

// SubscriberCount reports how many subscribers room currently has.
func (b *Bus) SubscriberCount(room event.Room) int {
	b.mu.Lock()
	rb, ok := b.rooms[room]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return rb.subscriberCount()
}

func (b *Bus) roomFor(room event.Room, create bool) *roomBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.rooms[room]
	if !ok {
		if !create {
			// No subscribers have ever joined; publishing is a no-op.
			return discardBus
		}
		rb = newRoomBus()
		b.rooms[room] = rb
	}
	return rb
}

// discardBus absorbs publishes to rooms nobody has subscribed to yet,
// so Publish never has to special-case a missing room.
var discardBus = newRoomBus()
