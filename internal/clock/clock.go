// Package clock abstracts the time operations used by draw animation and
// polling subscriptions so tests can drive them deterministically.
package clock

import "time"

// Clock is injected wherever code would otherwise call time.Now,
// time.AfterFunc or time.NewTicker.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real) or inside Advance
	// (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports false if the call already ran or was
// already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C, dropping ticks the reader is too slow for.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
