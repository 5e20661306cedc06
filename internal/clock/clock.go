package clock

import "time"

// Clock abstracts time so components with deadlines and backoff can be tested
// against a fake instead of the real timer runtime.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the real clock backed by the time package.
type System struct{}

// NewSystem returns the real clock.
func NewSystem() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
