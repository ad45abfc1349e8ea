package transport

import "time"

type Timer interface {
	Stop() bool
}

// Scheduler is the timer source for the client and its transports. Tests
// swap it for a manual clock.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
	Now() time.Time
}

type realScheduler struct{}

func RealScheduler() Scheduler { return realScheduler{} }

func (realScheduler) After(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}

func (realScheduler) Now() time.Time { return time.Now() }

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
