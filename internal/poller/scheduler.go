package poller

import "time"

// Timer is a scheduled callback that can be canceled.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay and reports the current time.
// Production code uses the wall clock; tests substitute a manual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// clock is the wall-clock Scheduler.
type clock struct{}

// Clock returns a Scheduler backed by time.AfterFunc.
func Clock() Scheduler { return clock{} }

func (clock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (clock) Now() time.Time { return time.Now() }
