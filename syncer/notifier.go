package syncer

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Notifier wakes long-polling sync requests when a room gains data.
// Waiters don't consume a goroutine while suspended; they just select
// on their channel.
type Notifier struct {
	lock    sync.Mutex
	waiters map[id.RoomID]map[*waiter]struct{}
}

type waiter struct {
	ch chan int64
}

func NewNotifier() *Notifier {
	return &Notifier{
		waiters: make(map[id.RoomID]map[*waiter]struct{}),
	}
}

// Notify wakes every waiter registered for the room with the new
// stream position.
func (n *Notifier) Notify(roomID id.RoomID, pos int64) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for w := range n.waiters[roomID] {
		select {
		case w.ch <- pos:
		default:
			// Already woken, the waiter just hasn't drained yet.
		}
	}
}

// register adds a waiter for the room. The returned cancel func tears
// down the registration with no side effects; it's safe to call more
// than once.
func (n *Notifier) register(roomID id.RoomID) (<-chan int64, func()) {
	w := &waiter{ch: make(chan int64, 1)}
	n.lock.Lock()
	byRoom, ok := n.waiters[roomID]
	if !ok {
		byRoom = make(map[*waiter]struct{})
		n.waiters[roomID] = byRoom
	}
	byRoom[w] = struct{}{}
	n.lock.Unlock()
	return w.ch, func() {
		n.lock.Lock()
		defer n.lock.Unlock()
		if byRoom, ok := n.waiters[roomID]; ok {
			delete(byRoom, w)
			if len(byRoom) == 0 {
				delete(n.waiters, roomID)
			}
		}
	}
}
