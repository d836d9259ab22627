package tunnel

import (
	"github.com/rs/xid"
)

// waiter is a parked long-poll request. ready is buffered so notify never blocks
// while the notifier holds the tunnel lock.
type waiter struct {
	id    xid.ID
	ready chan struct{}
}

func newWaiter() *waiter {
	return &waiter{
		id:    xid.New(),
		ready: make(chan struct{}, 1),
	}
}

func (w *waiter) notify() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// waiterSet keeps waiters in registration order. All methods require the owning
// tunnel lock.
type waiterSet struct {
	items []*waiter
}

func (s *waiterSet) add(w *waiter) {
	s.items = append(s.items, w)
}

// remove unregisters w and reports whether it was still registered. A false
// result means a notifier already popped w.
func (s *waiterSet) remove(w *waiter) bool {
	for i, candidate := range s.items {
		if candidate != w {
			continue
		}
		copy(s.items[i:], s.items[i+1:])
		s.items[len(s.items)-1] = nil
		s.items = s.items[:len(s.items)-1]
		if len(s.items) == 0 {
			s.items = nil
		}
		return true
	}
	return false
}

// wakeOne pops the oldest waiter and notifies it.
func (s *waiterSet) wakeOne() *waiter {
	if len(s.items) == 0 {
		return nil
	}
	w := s.items[0]
	s.items[0] = nil
	s.items = s.items[1:]
	if len(s.items) == 0 {
		s.items = nil
	}
	w.notify()
	return w
}

// wakeAll pops and notifies every waiter, returning how many were woken.
func (s *waiterSet) wakeAll() int {
	n := len(s.items)
	for _, w := range s.items {
		w.notify()
	}
	s.items = nil
	return n
}

func (s *waiterSet) len() int {
	return len(s.items)
}
