package session

import "time"

// Stopper cancels a scheduled call.
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d. Implementations must not call f
// synchronously from AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

// TimeScheduler schedules with the runtime timer.
type TimeScheduler struct{}

// AfterFunc implements Scheduler.
func (TimeScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
