package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler whose clock only moves when Advance is
// called. Timers fire on the goroutine calling Advance, in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	m        *Manual
	seq      uint64
	deadline time.Time
	fn       func()
	done     bool
}

// NewManual creates a manual clock starting at start. A zero start uses a fixed
// reference instant so that test output is stable.
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers fn to run once the virtual clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{m: m, seq: m.seq, deadline: m.now.Add(d), fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Stop implements Timer.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.m.remove(t)
	return true
}

// Advance moves the clock forward by d, firing every timer whose deadline falls
// inside the window. Timers scheduled by callbacks are honoured if they are due
// before the window closes.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.done = true
		m.remove(next)
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}

// AdvanceTo moves the clock to t if t is in the future.
func (m *Manual) AdvanceTo(t time.Time) {
	d := t.Sub(m.Now())
	if d > 0 {
		m.Advance(d)
	}
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// nextDue returns the earliest timer due at or before target (must hold mu).
func (m *Manual) nextDue(target time.Time) *manualTimer {
	if len(m.pending) == 0 {
		return nil
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		a, b := m.pending[i], m.pending[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})
	if m.pending[0].deadline.After(target) {
		return nil
	}
	return m.pending[0]
}

// remove drops t from the pending list (must hold mu).
func (m *Manual) remove(t *manualTimer) {
	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
