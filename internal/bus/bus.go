package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus. Subscriptions
// filter by Kind namespace prefix and, optionally, by owning session.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	session   string // "" matches every session
	ch        chan Event
}

func (s *subscription) matches(evt Event) bool {
	if !strings.HasPrefix(evt.Kind, s.namespace) {
		return false
	}
	return s.session == "" || s.session == evt.Session
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to every matching subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.matches(evt) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, "", bufSize)
}

// SubscribeSession is Subscribe narrowed to one session's events, so a
// per-tenant consumer never sees (or drops buffer slots on) another
// tenant's traffic.
func (b *Bus) SubscribeSession(namespace, sessionID string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, sessionID, bufSize)
}

func (b *Bus) subscribe(namespace, session string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, session: session, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
