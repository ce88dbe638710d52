package clock

import (
	"sync"
	"time"
)

// Manual is a hand-cranked clock for tests. Time only moves when Advance or
// AdvanceTo is called; sleepers and After channels fire as their deadlines
// are crossed.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock positioned at start (normalized to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock has been advanced to
// or past now+d. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, manualWaiter{deadline: m.now.Add(d), ch: ch})
	return ch
}

// Sleep parks the caller until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and releases every waiter whose
// deadline has been reached. It returns the new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.AdvanceTo(target)
}

// AdvanceTo moves the clock to t (never backwards) and releases due waiters.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	t = t.UTC()
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	now := m.now
	kept := m.waiters[:0]
	var due []chan time.Time
	for _, w := range m.waiters {
		if w.deadline.After(now) {
			kept = append(kept, w)
			continue
		}
		due = append(due, w.ch)
	}
	m.waiters = kept
	m.mu.Unlock()
	for _, ch := range due {
		ch <- now
	}
	return now
}

// Pending reports how many waiters are currently parked. Tests use it to
// confirm a sleeper reached its sleep before advancing time.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// BlockUntilPending polls until at least n waiters are parked or the real
// deadline passes, returning whether the condition was met.
func (m *Manual) BlockUntilPending(n int, deadline time.Duration) bool {
	limit := time.Now().Add(deadline)
	for {
		if m.Pending() >= n {
			return true
		}
		if time.Now().After(limit) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
