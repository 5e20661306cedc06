package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. After returns a channel that
// fires when Advance moves the clock past its deadline, or immediately when
// the fake is configured with FireImmediately.
type Fake struct {
	mu              sync.Mutex
	now             time.Time
	waiters         []waiter
	fireImmediately bool
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// FireImmediately makes every After channel fire without advancing the clock.
// Useful for exercising retry loops without simulated waits.
func (f *Fake) FireImmediately() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fireImmediately = true
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if f.fireImmediately || d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every waiter whose deadline has
// been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}
