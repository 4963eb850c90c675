// Package clock provides an injectable time source.
//
// Checkpoint minting and task timestamp stamping both depend on "current
// time". Passing a Clock explicitly (instead of calling time.Now directly)
// lets tests substitute a deterministic clock and advance it by hand.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of current time. All timestamps produced by the store
// and the sync engine come from a Clock.
type Clock interface {
	// Now returns the current time. Implementations should return UTC.
	Now() time.Time
}

// systemClock reads the wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// System returns a Clock backed by the real wall clock.
func System() Clock {
	return systemClock{}
}

// Fake is a manually controlled Clock for tests.
//
// Now returns the configured time without advancing it, so successive reads
// within the same logical instant are identical. Use Advance or Set to move
// time forward.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the clock to the given time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
