package core

import "time"

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the callback
	// already fired or was stopped.
	Stop() bool
}

// Clock schedules delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
