package bus

import "sync"

// Subscription is one observer's view of a key.
type Subscription[V any] struct {
	id     string
	key    Key
	ch     chan Event[V]
	detach func()

	mu     sync.Mutex
	closed bool
}

// Key returns the key this subscription observes.
func (s *Subscription[V]) Key() Key {
	return s.key
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription[V]) C() <-chan Event[V] {
	return s.ch
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once and concurrently with Publish.
func (s *Subscription[V]) Close() {
	s.detach()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer places ev in the mailbox, replacing an undelivered older value.
func (s *Subscription[V]) offer(ev Event[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Mailbox full: drop the stale value. The reader may have taken it
		// in the meantime, in which case the next send succeeds.
		select {
		case <-s.ch:
		default:
		}
	}
}
