package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ManualClock is a Clock that only moves when told to. It drives sessions
// faster than real time in simulations and tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Run drives s at a fixed tick rate until it reaches a terminal state.
// The session is started if it is idle. Each tick samples input once and
// passes the clock reading to Tick. Cancelling ctx raises an abort
// request, which the session honors at its next response evaluation.
func Run(ctx context.Context, s *Session, input InputSource, clock Clock, interval time.Duration) (State, error) {
	if s == nil {
		return Idle, errors.New("session: nil session")
	}
	if interval <= 0 {
		interval = time.Second / 60
	}
	if s.State() == Idle {
		if err := s.Start(clock.Now()); err != nil {
			return s.State(), err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	cancelled := false
	for !s.State().Terminal() {
		select {
		case <-done:
			cancelled = true
			done = nil
			continue
		case <-ticker.C:
		}
		var in Input
		if input != nil {
			in = input.Poll()
		}
		if cancelled {
			in.Abort = true
		}
		s.Tick(clock.Now(), in)
	}
	return s.State(), nil
}

// Step drives s on a manual clock, advancing it by dt before every tick,
// for at most maxTicks ticks. It returns the state reached.
func Step(s *Session, input InputSource, clock *ManualClock, dt time.Duration, maxTicks int) State {
	if s.State() == Idle {
		if err := s.Start(clock.Now()); err != nil {
			return s.State()
		}
	}
	for i := 0; i < maxTicks && !s.State().Terminal(); i++ {
		clock.Advance(dt)
		var in Input
		if input != nil {
			in = input.Poll()
		}
		s.Tick(clock.Now(), in)
	}
	return s.State()
}
