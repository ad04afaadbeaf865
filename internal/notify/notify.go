package notify

import (
	"sync"

	"github.com/chatsync/chatsync/internal/chat"
)

// Notifier receives a signal that a backend's derived view should be
// re-pulled from state. It never carries the state itself.
type Notifier interface {
	Notify(provider chat.Provider)
}

// Func adapts a function to Notifier.
type Func func(provider chat.Provider)

func (f Func) Notify(provider chat.Provider) { f(provider) }

// Nop discards notifications.
var Nop Notifier = Func(func(chat.Provider) {})

const subscriberBuffer = 64

// Broadcaster fans change events out to subscribers. Delivery never blocks
// the publisher: a subscriber that has fallen behind already has a pending
// event for the same provider, or has enough queued to re-pull state.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan chat.Provider
	nextID int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan chat.Provider)}
}

// Notify publishes a change event for provider.
func (b *Broadcaster) Notify(provider chat.Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- provider:
		default:
			// Subscriber is behind; it will re-pull on the events it has.
		}
	}
}

// Subscribe returns a channel of change events and a cancel func that
// unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan chat.Provider, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan chat.Provider, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
