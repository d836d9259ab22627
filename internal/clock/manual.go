package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual only moves when Advance is called. Waiters registered through After
// fire in deadline order once the clock reaches them.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After fires immediately for d <= 0.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	due := m.now.Add(d)
	i := sort.Search(len(m.waiters), func(i int) bool { return m.waiters[i].due.After(due) })
	m.waiters = append(m.waiters, waiter{})
	copy(m.waiters[i+1:], m.waiters[i:])
	m.waiters[i] = waiter{due: due, ch: ch}
	return ch
}

// Advance moves the clock forward and releases every waiter that is now due.
// Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	fired := 0
	for _, w := range m.waiters {
		if w.due.After(m.now) {
			break
		}
		w.ch <- m.now
		fired++
	}
	m.waiters = append(m.waiters[:0], m.waiters[fired:]...)
	return m.now
}

// Pending counts waiters that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
