// Package scheduler abstracts timers so that time-driven state transitions can be
// exercised against a virtual clock in tests.
package scheduler

import "time"

// Timer is a single-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Scheduler creates single-shot timers and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is a Scheduler backed by the runtime timer wheel.
type Real struct{}

// NewReal returns the wall-clock scheduler.
func NewReal() Real {
	return Real{}
}

// Now returns time.Now.
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
