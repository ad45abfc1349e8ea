// Package schedtest provides a manually advanced scheduler for tests.
package schedtest

import (
	"sort"
	"sync"
	"time"

	"github.com/kleeedolinux/cometd.go/transport"
)

type timer struct {
	m       *Manual
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Manual only fires timers when Advance is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

var _ transport.Scheduler = (*Manual)(nil)

func NewManual() *Manual {
	return &Manual{now: time.Unix(1_700_000_000, 0)}
}

func (m *Manual) After(d time.Duration, fn func()) transport.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &timer{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, firing due timers in time order.
// Timers scheduled by fired callbacks run too when they fall due within d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	deadline := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextLocked(deadline)
		if next == nil {
			m.now = deadline
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.fn()
	}
}

// RunPending fires every timer already due without moving the clock.
func (m *Manual) RunPending() {
	m.Advance(0)
}

// Pending counts timers that have neither fired nor been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// NextDelay reports how far in the future the earliest live timer is.
func (m *Manual) NextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextLocked(time.Time{})
	if next == nil {
		return 0, false
	}
	return next.at.Sub(m.now), true
}

// nextLocked returns the earliest live timer due at or before deadline; a
// zero deadline means no bound.
func (m *Manual) nextLocked(deadline time.Time) *timer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	if !deadline.IsZero() && live[0].at.After(deadline) {
		return nil
	}
	return live[0]
}
