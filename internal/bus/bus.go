// Package bus fans out ledger and cart changes to any number of observers.
//
// Each key keeps its latest value so late subscribers are primed
// immediately, and each subscriber owns a one-slot conflating mailbox:
// a publisher never blocks on a slow observer, and an observer always ends
// up holding the most recent value for its key.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Entity names used as Key.Entity.
const (
	EntityStock       = "stock"
	EntityCart        = "cart"
	EntityCartSummary = "cart_summary"
)

// Key addresses one stream of values.
type Key struct {
	Entity string
	ID     string
}

// Event is a value delivered to subscribers.
type Event[V any] struct {
	Key   Key
	Value V
	Seq   uint64
}

// Bus is a keyed last-value-wins broadcaster.
type Bus[V any] struct {
	mu     sync.RWMutex
	topics map[Key]*topic[V]
}

type topic[V any] struct {
	mu   sync.Mutex
	last *Event[V]
	subs map[string]*Subscription[V]
}

// New creates an empty Bus.
func New[V any]() *Bus[V] {
	return &Bus[V]{
		topics: make(map[Key]*topic[V]),
	}
}

func (b *Bus[V]) getOrCreate(key Key) *topic[V] {
	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[key]; ok {
		return t
	}
	t = &topic[V]{subs: make(map[string]*Subscription[V])}
	b.topics[key] = t
	return t
}

// Publish records value as the latest for key and delivers it to every
// current subscriber. A seq that is not newer than the last published one
// for key is ignored, which keeps per-key delivery ordered even when
// publishers race. Publish reports whether the value was accepted.
func (b *Bus[V]) Publish(key Key, value V, seq uint64) bool {
	t := b.getOrCreate(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last != nil && seq <= t.last.Seq {
		return false
	}
	ev := Event[V]{Key: key, Value: value, Seq: seq}
	t.last = &ev
	for _, s := range t.subs {
		s.offer(ev)
	}
	return true
}

// Latest returns the last value published for key.
func (b *Bus[V]) Latest(key Key) (Event[V], bool) {
	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if !ok {
		return Event[V]{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Event[V]{}, false
	}
	return *t.last, true
}

// Subscribe registers an observer for key. If a value was already
// published it is available on the subscription immediately.
func (b *Bus[V]) Subscribe(key Key) *Subscription[V] {
	t := b.getOrCreate(key)
	s := &Subscription[V]{
		id:  uuid.New().String(),
		key: key,
		ch:  make(chan Event[V], 1),
	}
	s.detach = func() {
		t.mu.Lock()
		delete(t.subs, s.id)
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.subs[s.id] = s
	if t.last != nil {
		s.offer(*t.last)
	}
	t.mu.Unlock()
	return s
}

// Forget drops the retained value for key. Subscribers stay registered.
func (b *Bus[V]) Forget(key Key) {
	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.last = nil
	t.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions for key.
func (b *Bus[V]) SubscriberCount(key Key) int {
	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
