package app

import (
	"context"
	"sync"
	"time"

	"ringoffire/internal/clock"
)

// DrawAnimator runs a draw in two writes: the reveal immediately, then the
// filing once the presentation delay has passed.
type DrawAnimator struct {
	sessions *SessionStore
	clock    clock.Clock
	delay    time.Duration
	notify   func([]Event, error)

	mu      sync.Mutex
	pending *clock.Timer
}

// NewDrawAnimator schedules FinishDraw calls on clk. notify, when set,
// receives the events and error of every delayed FinishDraw.
func NewDrawAnimator(sessions *SessionStore, clk clock.Clock, delay time.Duration, notify func([]Event, error)) *DrawAnimator {
	if clk == nil {
		clk = clock.Real()
	}
	return &DrawAnimator{sessions: sessions, clock: clk, delay: delay, notify: notify}
}

// Draw reveals a card and schedules its filing. A debounced draw schedules
// nothing. The filing is scheduled even when the reveal failed to persist,
// so the local game never stays stuck mid-draw.
func (a *DrawAnimator) Draw(ctx context.Context) ([]Event, error) {
	events, err := a.sessions.DrawCard(ctx)
	if len(events) == 0 {
		return nil, err
	}

	finishCtx := context.WithoutCancel(ctx)
	timer := a.clock.AfterFunc(a.delay, func() {
		evs, ferr := a.sessions.FinishDraw(finishCtx)
		if a.notify != nil {
			a.notify(evs, ferr)
		}
	})
	a.mu.Lock()
	a.pending = timer
	a.mu.Unlock()
	return events, err
}

// Stop cancels a scheduled filing. It reports whether one was pending.
func (a *DrawAnimator) Stop() bool {
	a.mu.Lock()
	timer := a.pending
	a.pending = nil
	a.mu.Unlock()
	if timer == nil {
		return false
	}
	return timer.Stop()
}
