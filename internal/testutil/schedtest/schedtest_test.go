package schedtest

import (
	"testing"
	"time"
)

func TestAdvanceFiresInOrder(t *testing.T) {
	m := NewManual()
	var got []int
	m.After(30*time.Millisecond, func() { got = append(got, 3) })
	m.After(10*time.Millisecond, func() { got = append(got, 1) })
	m.After(20*time.Millisecond, func() { got = append(got, 2) })

	m.Advance(25 * time.Millisecond)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("fired %v, want [1 2]", got)
	}
	m.Advance(5 * time.Millisecond)
	if len(got) != 3 {
		t.Fatalf("fired %v, want 3 timers", got)
	}
}

func TestStopPreventsFiring(t *testing.T) {
	m := NewManual()
	fired := false
	timer := m.After(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on a live timer returned false")
	}
	m.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestNestedTimersWithinWindow(t *testing.T) {
	m := NewManual()
	count := 0
	m.After(0, func() {
		count++
		m.After(time.Second, func() { count++ })
	})
	m.Advance(time.Second)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}
}

func TestNowTracksAdvance(t *testing.T) {
	m := NewManual()
	start := m.Now()
	m.Advance(1500 * time.Millisecond)
	if got := m.Now().Sub(start); got != 1500*time.Millisecond {
		t.Fatalf("clock moved %v", got)
	}
}
